package zmsg

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilentPeerIsDeclaredDead(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()

	sink := make(chan error, 1)
	c, err := NewConnection(client, nil, ConnectionConfig{
		PingInterval: 10 * time.Millisecond,
		OnError:      func(_ *Connection, err error) { sink <- err },
	}, false)
	require.NoError(t, err)
	defer c.Wait()

	// the peer swallows our pings and never answers
	_, pings := peerFrames(peer)

	a := NewAction(NewFrame(ActionCommit, ItemSession, 1))
	require.NoError(t, c.Post(a))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer not detected")
	}
	assert.Equal(t, KindTransport, KindOf(c.Err()))
	assert.Equal(t, KindTransport, KindOf(<-sink))
	assert.GreaterOrEqual(t, len(pings), 2)

	<-a.Done()
	assert.ErrorIs(t, a.Err(), ErrCancelled)
}

func TestPingedConnectionStaysAlive(t *testing.T) {
	s, err := ListenTCP("localhost:0", ServerConfig{
		Connection: ConnectionConfig{PingInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	s.Serve(echoMux())
	defer s.Shutdown()

	c, err := Dial(context.Background(), ConnectionConfig{
		Endpoints:    []string{s.Addr().String()},
		PingInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Closed())
	assert.WithinDuration(t, time.Now(), c.LastActivity(), 50*time.Millisecond)

	_, err = c.Call(context.Background(), NewAction(NewFrame(ActionProduce, ItemSession, 1)))
	assert.NoError(t, err)
}

func TestDisablePing(t *testing.T) {
	c, peer := pipeConn(t, ConnectionConfig{PingInterval: time.Millisecond})
	_, pings := peerFrames(peer)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pings, 0)
	assert.False(t, c.Closed())
}
