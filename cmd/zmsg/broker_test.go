package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhiqiangxu/zmsg"
	"github.com/zhiqiangxu/zmsg/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func startTestBroker(t *testing.T) string {
	t.Helper()
	s, err := zmsg.ListenTCP("localhost:0", zmsg.ServerConfig{})
	require.NoError(t, err)
	s.Serve(brokerMux())
	t.Cleanup(func() { s.Shutdown() })
	return s.Addr().String()
}

func TestBrokerLoopsProducedMessagesBack(t *testing.T) {
	cfg.Connection.Endpoints = []string{startTestBroker(t)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := dial(ctx)
	require.NoError(t, err)
	defer c.Close()

	cons, err := openConsumer(ctx, c, 7)
	require.NoError(t, err)

	req := zmsg.NewFrame(zmsg.ActionProduce, zmsg.ItemProducer, 1)
	req.SetBody(zmsg.BodyText, []byte("hi"))
	_, err = c.Call(ctx, zmsg.NewAction(req))
	require.NoError(t, err)

	msg, err := cons.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), msg.ItemID)
	body, err := msg.Body(c.Codec())
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), body)
	require.NoError(t, cons.Ack(msg))
}

func TestBrokerRejectsUnknownConsumer(t *testing.T) {
	cfg.Connection.Endpoints = []string{startTestBroker(t)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := dial(ctx)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ctx, zmsg.NewAction(zmsg.NewFrame(zmsg.ActionCloseConsumer, zmsg.ItemConsumer, 42)))
	require.Error(t, err)
	assert.Equal(t, zmsg.KindRemoteReject, zmsg.KindOf(err))

	var e *zmsg.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, zmsg.CodeUnknownItem, e.Code)
}

func TestCallCommand(t *testing.T) {
	cfg.Connection.Endpoints = []string{startTestBroker(t)}

	var out bytes.Buffer
	callCmd.SetOut(&out)
	callCmd.SetContext(context.Background())
	callConsume = 1
	defer func() { callConsume = 0 }()

	require.NoError(t, callCmd.RunE(callCmd, []string{"produce", "payload"}))
	assert.Contains(t, out.String(), "reply")
	assert.Contains(t, out.String(), `deliver consumer=1`)
	assert.Contains(t, out.String(), `body="payload"`)
}

func TestParseNames(t *testing.T) {
	a, err := parseAction("CreateConsumer")
	require.NoError(t, err)
	assert.Equal(t, zmsg.ActionCreateConsumer, a)
	_, err = parseAction("none")
	assert.Error(t, err)

	it, err := parseItemType("producer")
	require.NoError(t, err)
	assert.Equal(t, zmsg.ItemProducer, it)
	_, err = parseItemType("widget")
	assert.Error(t, err)
}

func TestBrokerLifecycle(t *testing.T) {
	brokerListen = "localhost:0"
	defer func() { brokerListen = "" }()

	var s *zmsg.Server
	app := fxtest.New(t,
		fx.NopLogger,
		fx.Supply(config.Default()),
		fx.Provide(newBroker),
		fx.Populate(&s),
	)
	app.RequireStart()

	cfg.Connection.Endpoints = []string{s.Addr().String()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := dial(ctx)
	require.NoError(t, err)
	_, err = c.Call(ctx, zmsg.NewAction(zmsg.NewFrame(zmsg.ActionConnect, zmsg.ItemThread, 1)))
	require.NoError(t, err)

	app.RequireStop()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected by broker shutdown")
	}
	assert.Equal(t, zmsg.KindTransport, zmsg.KindOf(c.Err()))
}
