package zmsg

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/zhiqiangxu/util"
	"go.uber.org/zap"
)

// Server accepts client connections and serves them with a Handler. It is
// the broker side of the protocol, used for local testing.
type Server struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	ln         net.Listener
	config     ServerConfig

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

type ServerConfig struct {
	Connection ConnectionConfig
}

func newServer(ln net.Listener, config ServerConfig) *Server {
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Server{ln: ln, ctx: ctx, cancelFunc: cancelFunc, config: config, conns: make(map[*Connection]struct{})}
}

func ListenTCP(address string, config ServerConfig) (s *Server, err error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return
	}

	s = newServer(ln, config)
	return
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Serve(h Handler) {
	util.GoFunc(&s.wg, func() {
		var tempDelay time.Duration // how long to sleep on accept failure
		for {
			rw, err := s.ln.Accept()
			if err == nil {
				tempDelay = 0

				util.GoFunc(&s.wg, func() {
					c, err := NewConnection(rw, h, s.config.Connection, true)
					if err != nil {
						l.Error("zmsg: NewConnection error when Server.Serve", zap.Error(err))
						return
					}
					if !s.track(c) {
						c.Close()
						return
					}
					<-c.Done()
					c.Wait()
					s.untrack(c)
				})
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			// handle error
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				l.Error("zmsg: Accept", zap.Duration("retrying in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			l.Error("zmsg: Accept fatal", zap.Error(err)) // accept4: too many open files in system
			time.Sleep(time.Second)                       // keep trying instead of quit
		}
	})
}

func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops accepting, closes every served connection and waits for
// the serving goroutines.
func (s *Server) Shutdown() (err error) {
	s.mu.Lock()
	s.cancelFunc()
	conns := s.conns
	s.conns = make(map[*Connection]struct{})
	s.mu.Unlock()

	err = s.ln.Close()
	for c := range conns {
		// a connection may have torn itself down concurrently
		c.Close()
	}

	s.wg.Wait()
	return
}
