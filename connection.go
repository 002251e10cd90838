package zmsg

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhiqiangxu/util"
	"github.com/zhiqiangxu/zmsg/codec"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Connection is one live socket to a broker. A single reader goroutine
// decodes inbound frames in arrival order and dispatches each to the action
// registry, to a consumer, or to the error sink. Writes from any goroutine
// are serialized by one write lock.
//
// A broken connection is reported, never re-established.
type Connection struct {
	sync.RWMutex // guards id
	id           interface{}

	closed   atomic.Bool
	cause    atomic.Error
	done     chan struct{}
	wg       sync.WaitGroup
	rw       net.Conn
	config   ConnectionConfig
	h        Handler
	server   bool
	lastRead atomic.Int64

	wmu sync.Mutex
	bw  *bufio.Writer

	registry  *Registry
	consumers consumerTable
}

// ConnectionConfig is consumed, not owned, by a Connection.
type ConnectionConfig struct {
	// Endpoints are tried in order by Dial; the first usable one wins.
	Endpoints []string
	// TLS enables TLS when non-nil.
	TLS *TLSConfig

	Wbuf             int
	Rbuf             int
	WTO              time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// ReadBufferSize is the initial size of the receive buffer.
	ReadBufferSize int
	// MaxFrameSize bounds the length prefix accepted from the peer.
	MaxFrameSize int
	// PoolSize is the number of correlation slots.
	PoolSize int

	PingInterval time.Duration
	DisablePing  bool

	// ConsumerCacheSize is the default full watermark of a consumer.
	ConsumerCacheSize int

	Codec FieldCodec

	// OnError is the error sink. It receives raised exceptions and, once,
	// the cause of the connection teardown. It runs on the goroutine that
	// observed the failure and must not block.
	OnError func(*Connection, error)
}

// defaults
var (
	DefaultReadSize          = 8192
	DefaultMaxFrameSize      = 64 << 20
	DefaultPingInterval      = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultConsumerCacheSize = 1000
)

func (config *ConnectionConfig) setDefaults() {
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = DefaultReadSize
	} else if config.ReadBufferSize < HeaderSize {
		config.ReadBufferSize = HeaderSize
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.PoolSize <= 0 {
		config.PoolSize = DefaultPoolSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.ConsumerCacheSize <= 0 {
		config.ConsumerCacheSize = DefaultConsumerCacheSize
	}
	if config.Codec == nil {
		config.Codec = codec.TLV{}
	}
}

// TCPConn in zmsg's aspect
type TCPConn interface {
	net.Conn
	SetWriteBuffer(bytes int) error
	SetReadBuffer(bytes int) error
}

// Dial connects to the first endpoint that accepts the connection and, when
// configured, completes the TLS handshake before the reader starts.
func Dial(ctx context.Context, config ConnectionConfig) (c *Connection, err error) {
	if len(config.Endpoints) == 0 {
		err = newError(KindTransport, "dial", errors.New("no endpoint configured"))
		return
	}
	config.setDefaults()

	var rw net.Conn
	for _, endpoint := range config.Endpoints {
		var dialErr error
		rw, dialErr = dialEndpoint(ctx, endpoint, &config)
		if dialErr == nil {
			break
		}
		l.Warn("zmsg: endpoint unusable", zap.String("endpoint", endpoint), zap.Error(dialErr))
		err = multierr.Append(err, fmt.Errorf("%s: %w", endpoint, dialErr))
	}
	if rw == nil {
		err = newError(KindTransport, "dial", err)
		return
	}
	err = nil

	return NewConnection(rw, nil, config, false)
}

func DialTCP(address string, config ConnectionConfig) (*Connection, error) {
	config.Endpoints = []string{address}
	return Dial(context.Background(), config)
}

func dialEndpoint(ctx context.Context, endpoint string, config *ConnectionConfig) (rw net.Conn, err error) {
	d := net.Dialer{Timeout: config.DialTimeout}
	rw, err = d.DialContext(ctx, "tcp", endpoint)
	if err != nil || config.TLS == nil {
		return
	}

	tlsConfig, err := config.TLS.clientConfig(endpoint)
	if err != nil {
		rw.Close()
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()
	tc := tlsClient(rw, tlsConfig)
	if err = tc.HandshakeContext(hctx); err != nil {
		rw.Close()
		return nil, err
	}
	return tc, nil
}

// NewConnection takes ownership of rw and starts the reader. A server-side
// connection hands request frames to h instead of the action registry.
func NewConnection(rw net.Conn, h Handler, config ConnectionConfig, server bool) (c *Connection, err error) {
	config.setDefaults()
	c = &Connection{
		id:       uuid.NewString(),
		rw:       rw,
		h:        h,
		config:   config,
		server:   server,
		done:     make(chan struct{}),
		bw:       bufio.NewWriterSize(rw, config.ReadBufferSize),
		registry: NewRegistry(config.PoolSize),
	}
	c.consumers.m = make(map[uint32]*Consumer)

	err = c.init()
	if err != nil {
		c.teardown(newError(KindTransport, "init", err))
		return nil, err
	}

	c.touch()
	util.GoFunc(&c.wg, c.serve)
	if !config.DisablePing {
		util.GoFunc(&c.wg, c.monitor)
	}
	return
}

func (c *Connection) init() (err error) {
	tc, ok := c.rw.(TCPConn)
	if c.config.Wbuf > 0 {
		if !ok {
			err = fmt.Errorf("zmsg: Wbuf should be zero for non-TCPConn")
			return
		}
		err = tc.SetWriteBuffer(c.config.Wbuf)
		if err != nil {
			return
		}
	}

	if c.config.Rbuf > 0 {
		if !ok {
			err = fmt.Errorf("zmsg: Rbuf should be zero for non-TCPConn")
			return
		}
		err = tc.SetReadBuffer(c.config.Rbuf)
	}
	return
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.rw.RemoteAddr()
}

func (c *Connection) GetID() (id interface{}) {
	c.RLock()
	id = c.id
	c.RUnlock()
	return
}

func (c *Connection) SetID(id interface{}) {
	c.Lock()
	c.id = id
	c.Unlock()
}

func (c *Connection) logID() zap.Field {
	return zap.Any("conn", c.GetID())
}

// Closed reports whether the connection was torn down. It turns true
// together with Done, after pending actions and consumers were released.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err is the teardown cause, nil while the connection is open.
func (c *Connection) Err() error {
	return c.cause.Load()
}

func (c *Connection) Pending() int {
	return c.registry.Pending()
}

func (c *Connection) Codec() FieldCodec {
	return c.config.Codec
}

// Close tears the connection down with ErrClosed as cause.
func (c *Connection) Close() error {
	if !c.teardown(ErrClosed) {
		return fmt.Errorf("zmsg: connection is already closed")
	}
	return nil
}

// Wait blocks until the reader and helper goroutines exited.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// teardown runs once: close the socket, cancel every pending action, close
// the consumers, then notify the error sink.
func (c *Connection) teardown(cause error) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	c.cause.Store(cause)

	closeErr := c.rw.Close()
	n := c.registry.CancelAll(cause)
	pendingActions.Sub(float64(n))
	c.consumers.closeAll()
	// done only after every waiter was released
	close(c.done)

	kind := KindOf(cause).String()
	if errors.Is(cause, ErrClosed) {
		kind = "closed"
	}
	teardowns.WithLabelValues(kind).Inc()
	l.Info("zmsg: connection torn down",
		c.logID(),
		zap.Int("cancelled", n),
		zap.NamedError("cause", cause),
		zap.NamedError("closeErr", closeErr))

	if c.config.OnError != nil {
		c.config.OnError(c, cause)
	}
	return true
}

func (c *Connection) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

// LastActivity is the time inbound bytes were last read.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

func (c *Connection) serve() {
	var err error
	defer func() {
		c.teardown(err)
	}()

	buf := make([]byte, 0, c.config.ReadBufferSize)
	for {
		n, rerr := c.rw.Read(buf[len(buf):cap(buf)])
		if n > 0 {
			c.touch()
			bytesIn.Add(float64(n))
			buf = buf[:len(buf)+n]
		}

		var (
			rest []byte
			need int
		)
		rest, need, err = c.scan(buf)
		if err != nil {
			return
		}
		if rerr != nil {
			if rerr == io.EOF && len(rest) > 0 {
				rerr = io.ErrUnexpectedEOF
			}
			err = newError(KindTransport, "read", rerr)
			return
		}

		buf = compact(buf, rest, need, c.config.ReadBufferSize)
	}
}

// compact moves rest to the front of buf. It grows buf when the pending
// frame does not fit and drops back to base once a grown buffer is no
// longer needed.
func compact(buf, rest []byte, need, base int) []byte {
	if cap(buf) > base && len(rest) < base && need <= base {
		small := make([]byte, len(rest), base)
		copy(small, rest)
		return small
	}
	buf = buf[:copy(buf[:cap(buf)], rest)]
	if need > cap(buf) || len(buf) == cap(buf) {
		size := 2 * cap(buf)
		if size < need {
			size = need
		}
		grown := make([]byte, len(buf), size)
		copy(grown, buf)
		buf = grown
	}
	return buf
}

// scan dispatches every complete frame in buf. It returns the unconsumed
// tail and, when the length prefix of the next frame is known, the number of
// bytes that frame occupies.
func (c *Connection) scan(buf []byte) (rest []byte, need int, err error) {
	for {
		if len(buf) < lengthSize {
			rest = buf
			return
		}
		length := int(int32(binary.BigEndian.Uint32(buf)))
		if length == keepaliveLen {
			if len(buf) < lengthSize+keepaliveLen {
				rest, need = buf, lengthSize+keepaliveLen
				return
			}
			c.handleKeepalive(buf[lengthSize])
			buf = buf[lengthSize+keepaliveLen:]
			continue
		}
		if length < fixedLen {
			err = newError(KindFraming, "read", fmt.Errorf("invalid frame length %d", length))
			return
		}
		if length > c.config.MaxFrameSize {
			err = newError(KindFraming, "read", fmt.Errorf("frame length %d exceeds limit %d", length, c.config.MaxFrameSize))
			return
		}
		if len(buf) < lengthSize+length {
			rest, need = buf, lengthSize+length
			return
		}

		var f *Frame
		f, err = DecodeFrame(buf[:lengthSize+length])
		if err != nil {
			return
		}
		buf = buf[lengthSize+length:]
		c.dispatch(f)
	}
}

func (c *Connection) handleKeepalive(b byte) {
	switch b {
	case PingRequest:
		keepalives.WithLabelValues("in", "request").Inc()
		// answered off the reader so it never blocks on the write lock
		util.GoFunc(&c.wg, func() {
			if err := c.sendKeepalive(PingReply); err != nil {
				l.Warn("zmsg: ping reply failed", c.logID(), zap.Error(err))
			}
		})
	case PingReply:
		keepalives.WithLabelValues("in", "reply").Inc()
	default:
		l.Warn("zmsg: unknown keepalive payload", c.logID(), zap.Uint8("payload", b))
	}
}

func (c *Connection) dispatch(f *Frame) {
	framesIn.WithLabelValues(f.Action.String()).Inc()

	switch {
	case f.Action == ActionRaiseException:
		c.raise(f)
	case c.server:
		if c.h == nil {
			droppedFrames.WithLabelValues("no handler").Inc()
			l.Warn("zmsg: dropped request", c.logID(), zap.Stringer("action", f.Action), zap.Uint64("id", f.ID))
			return
		}
		c.h.ServeZmsg(c, f)
	case f.ItemType == ItemNone:
		cons := c.consumers.get(f.ItemID)
		if cons == nil {
			droppedFrames.WithLabelValues("unknown consumer").Inc()
			l.Warn("zmsg: dropped message",
				c.logID(),
				zap.Uint32("consumer", f.ItemID),
				zap.Uint64("id", f.ID),
				zap.Int("#payload", len(f.Payload)))
			return
		}
		cons.handleMessage(f)
	default:
		if c.registry.Complete(f.ID, f) {
			pendingActions.Dec()
			return
		}
		droppedFrames.WithLabelValues("unknown correlation").Inc()
		l.Warn("zmsg: dropped response",
			c.logID(),
			zap.Stringer("action", f.Action),
			zap.Uint64("id", f.ID),
			zap.Stringer("itemType", f.ItemType),
			zap.Uint32("itemID", f.ItemID),
			zap.Int("#payload", len(f.Payload)))
	}
}

func (c *Connection) raise(f *Frame) {
	values, err := f.Fields(c.config.Codec)
	if err != nil {
		l.Warn("zmsg: undecodable exception frame", c.logID(), zap.Error(err))
	}
	e := exceptionError(values)
	l.Warn("zmsg: broker raised exception", c.logID(), zap.Error(e))
	if c.config.OnError != nil {
		c.config.OnError(c, e)
	}
}

// Send writes f, prefixed by its length, under the write lock. With flush
// false the frame stays buffered until Flush or the next flushing Send. A
// write failure tears the connection down.
func (c *Connection) Send(f *Frame, flush bool) (err error) {
	if c.closed.Load() {
		return c.closedErr("send")
	}
	header := EncodeHeader(f)

	c.wmu.Lock()
	err = c.write(header[:], f.Payload, flush)
	c.wmu.Unlock()

	if err != nil {
		err = newError(KindTransport, "write", err)
		c.teardown(err)
		return
	}
	framesOut.WithLabelValues(f.Action.String()).Inc()
	bytesOut.Add(float64(HeaderSize + len(f.Payload)))
	return
}

func (c *Connection) sendKeepalive(b byte) (err error) {
	if c.closed.Load() {
		return c.closedErr("keepalive")
	}
	frame := [lengthSize + keepaliveLen]byte{3: keepaliveLen, 4: b}

	c.wmu.Lock()
	err = c.write(frame[:], nil, true)
	c.wmu.Unlock()

	if err != nil {
		err = newError(KindTransport, "write", err)
		c.teardown(err)
		return
	}
	kind := "request"
	if b == PingReply {
		kind = "reply"
	}
	keepalives.WithLabelValues("out", kind).Inc()
	bytesOut.Add(float64(len(frame)))
	return
}

// Flush writes frames queued by Send(f, false).
func (c *Connection) Flush() (err error) {
	if c.closed.Load() {
		return c.closedErr("flush")
	}
	c.wmu.Lock()
	err = c.bw.Flush()
	c.wmu.Unlock()

	if err != nil {
		err = newError(KindTransport, "write", err)
		c.teardown(err)
	}
	return
}

// write is called with c.wmu held.
func (c *Connection) write(header, payload []byte, flush bool) (err error) {
	if wto := c.config.WTO; wto > 0 {
		if err = c.rw.SetWriteDeadline(time.Now().Add(wto)); err != nil {
			return
		}
	}
	if _, err = c.bw.Write(header); err != nil {
		return
	}
	if len(payload) > 0 {
		if _, err = c.bw.Write(payload); err != nil {
			return
		}
	}
	if flush {
		err = c.bw.Flush()
	}
	return
}

func (c *Connection) closedErr(op string) error {
	return newError(KindCancelled, op, c.cause.Load())
}

// Call sends a.Request and blocks until the reply arrives or the connection
// is torn down. There is no per-call timeout; ctx only lets the caller give
// up waiting. A non-zero result code is returned as a KindRemoteReject error
// together with the reply.
func (c *Connection) Call(ctx context.Context, a *Action) (reply *Frame, err error) {
	if err = c.issue(a, true); err != nil {
		return
	}

	select {
	case <-a.Done():
	case <-ctx.Done():
		if c.registry.Cancel(a.id, ctx.Err()) {
			pendingActions.Dec()
		}
		<-a.Done()
	}
	if a.err != nil {
		err = a.err
		return
	}

	reply = a.reply
	code, err := reply.ResultCode(c.config.Codec)
	if err != nil {
		return
	}
	if code != 0 {
		err = &Error{Kind: KindRemoteReject, Op: a.Request.Action.String(), Code: code}
	}
	return
}

// Post sends a.Request without waiting. When a.ExpectReply is set the
// action stays registered and resolves once its reply arrives; otherwise it
// resolves as soon as the frame is written.
func (c *Connection) Post(a *Action) error {
	return c.issue(a, a.ExpectReply)
}

func (c *Connection) issue(a *Action, register bool) (err error) {
	if err = a.acquire(); err != nil {
		return
	}

	if !register {
		a.Request.ID = 0
		err = c.Send(a.Request, true)
		a.resolve(nil, err)
		return
	}

	id, err := c.registry.Allocate()
	if err != nil {
		// never started, the action stays reusable
		a.inUse.Store(false)
		return
	}
	a.Request.ID = id
	if err = c.registry.Register(id, a); err != nil {
		c.registry.Release(id)
		a.inUse.Store(false)
		return
	}
	pendingActions.Inc()

	if err = c.Send(a.Request, true); err != nil {
		if c.registry.Cancel(id, err) {
			pendingActions.Dec()
			return
		}
		// teardown already cancelled it; the caller observes a.Err()
		err = nil
	}
	return
}
