package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zhiqiangxu/zmsg"
	"github.com/zhiqiangxu/zmsg/codec"
	"github.com/zhiqiangxu/zmsg/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var brokerListen string

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "run a loopback test broker",
	Long: `Run a broker that accepts every request with result code 0.
Messages produced on a connection are delivered back to the consumers
created on that same connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: logger} }),
			fx.Supply(cfg),
			fx.Provide(newBroker),
			fx.Invoke(func(*zmsg.Server) {}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		// runs until SIGINT or SIGTERM
		app.Run()
		return nil
	},
}

// newBroker binds the listener on start and shuts it down on stop.
func newBroker(lc fx.Lifecycle, cfg *config.Config) (*zmsg.Server, error) {
	listen := cfg.Broker.Listen
	if brokerListen != "" {
		listen = brokerListen
	}
	conn, err := cfg.Connection.Build()
	if err != nil {
		return nil, err
	}
	conn.Endpoints = nil
	conn.TLS = nil
	conn.PingInterval = cfg.Broker.PingInterval

	s, err := zmsg.ListenTCP(listen, zmsg.ServerConfig{Connection: conn})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Serve(brokerMux())
			logger.Info("broker listening", zap.Stringer("addr", s.Addr()))
			return nil
		},
		OnStop: func(context.Context) error {
			logger.Info("broker shutting down")
			return s.Shutdown()
		},
	})
	return s, nil
}

func init() {
	brokerCmd.Flags().StringVar(&brokerListen, "listen", "", "listen address (overrides broker.listen)")
}

// session is the per-connection broker state, kept as the connection id.
type session struct {
	name      string
	consumers map[uint32]struct{}
}

func (s *session) String() string { return s.name }

// handlers run on the connection's reader goroutine, so session needs no lock
func sessionOf(w zmsg.Responser) *session {
	if s, ok := w.GetID().(*session); ok {
		return s
	}
	s := &session{name: fmt.Sprint(w.GetID()), consumers: make(map[uint32]struct{})}
	w.SetID(s)
	return s
}

func brokerMux() *zmsg.ServeMux {
	mux := zmsg.NewServeMux()
	ok := func(w zmsg.Responser, req *zmsg.Frame) {
		if req.ID != 0 {
			w.ReplyCode(req, zmsg.CodeOK)
		}
	}
	for _, action := range []zmsg.ActionCode{
		zmsg.ActionConnect, zmsg.ActionDisconnect,
		zmsg.ActionCreateSession, zmsg.ActionCloseSession,
		zmsg.ActionCreateProducer, zmsg.ActionCloseProducer,
		zmsg.ActionCommit, zmsg.ActionRollback, zmsg.ActionXA,
	} {
		mux.HandleFunc(action, ok)
	}

	mux.HandleFunc(zmsg.ActionCreateConsumer, func(w zmsg.Responser, req *zmsg.Frame) {
		sessionOf(w).consumers[req.ItemID] = struct{}{}
		ok(w, req)
	})
	mux.HandleFunc(zmsg.ActionCloseConsumer, func(w zmsg.Responser, req *zmsg.Frame) {
		s := sessionOf(w)
		if _, exist := s.consumers[req.ItemID]; !exist {
			w.ReplyCode(req, zmsg.CodeUnknownItem)
			return
		}
		delete(s.consumers, req.ItemID)
		ok(w, req)
	})
	mux.HandleFunc(zmsg.ActionProduce, func(w zmsg.Responser, req *zmsg.Frame) {
		body, err := req.Body(codec.TLV{})
		if err != nil {
			logger.Warn("bad produce frame", zap.Error(err))
			return
		}
		ok(w, req)
		s := sessionOf(w)
		ids := make([]uint32, 0, len(s.consumers))
		for id := range s.consumers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			msg := &zmsg.Frame{ItemID: id, ID: req.ID}
			msg.SetBody(req.BodyType, body)
			if err := w.Push(msg); err != nil {
				logger.Warn("deliver failed", zap.Uint32("consumer", id), zap.Error(err))
				return
			}
		}
	})
	mux.HandleFunc(zmsg.ActionAck, func(w zmsg.Responser, req *zmsg.Frame) {
		logger.Debug("ack", zap.Stringer("conn", sessionOf(w)), zap.Uint32("consumer", req.ItemID))
	})
	mux.HandleFunc(zmsg.ActionResume, func(w zmsg.Responser, req *zmsg.Frame) {
		logger.Debug("resume", zap.Stringer("conn", sessionOf(w)), zap.Uint32("consumer", req.ItemID))
	})
	return mux
}
