package zmsg

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhiqiangxu/zmsg/codec"
)

func push(t *testing.T, peer net.Conn, consumer uint32, id uint64, flags FrameFlag) {
	t.Helper()
	f := &Frame{Action: ActionDeliver, ItemType: ItemNone, ItemID: consumer, ID: id, Flags: flags}
	f.SetBody(BodyText, []byte("m"))
	_, err := peer.Write(f.AppendTo(nil))
	require.NoError(t, err)
}

func receive(t *testing.T, cons *Consumer) *Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := cons.Receive(ctx)
	require.NoError(t, err)
	return f
}

func TestConsumerResumesOnceAtLowWatermark(t *testing.T) {
	c, peer := pipeConn(t, ConnectionConfig{})
	frames, _ := peerFrames(peer)

	cons, err := c.AddConsumer(9, 8)
	require.NoError(t, err)
	full, empty := cons.Watermarks()
	require.Equal(t, 8, full)
	require.Equal(t, 2, empty)

	for i := 1; i <= full; i++ {
		var flags FrameFlag
		if i == full {
			flags = FlagSuspend
		}
		push(t, peer, 9, uint64(i), flags)
	}
	require.Eventually(t, func() bool { return cons.Buffered() == full }, 2*time.Second, time.Millisecond)
	assert.True(t, cons.Suspended())
	assert.Equal(t, uint64(full), cons.LastSequence())

	for i := 1; i <= full; i++ {
		f := receive(t, cons)
		assert.Equal(t, uint64(i), f.ID, "delivery order")
		assert.Equal(t, full-i, cons.Buffered())
		assert.Equal(t, full-i > empty, cons.Suspended(), "after %d receives", i)
	}

	require.Eventually(t, func() bool { return len(frames) == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, frames, 1)

	resume := <-frames
	assert.Equal(t, ActionResume, resume.Action)
	assert.Equal(t, ItemConsumer, resume.ItemType)
	assert.Equal(t, uint32(9), resume.ItemID)
	assert.Equal(t, 0, c.Pending())
}

func TestConsumerSuspendedBelowLowWatermarkDrainsFully(t *testing.T) {
	c, peer := pipeConn(t, ConnectionConfig{})
	frames, _ := peerFrames(peer)

	cons, err := c.AddConsumer(4, 8)
	require.NoError(t, err)

	push(t, peer, 4, 1, 0)
	push(t, peer, 4, 2, FlagSuspend)
	require.Eventually(t, func() bool { return cons.Buffered() == 2 }, 2*time.Second, time.Millisecond)
	require.True(t, cons.Suspended())

	receive(t, cons)
	assert.True(t, cons.Suspended())
	assert.Len(t, frames, 0)

	receive(t, cons)
	assert.False(t, cons.Suspended())
	f := <-frames
	assert.Equal(t, ActionResume, f.Action)
}

func TestConsumerSuspendsAgainAfterResume(t *testing.T) {
	c, peer := pipeConn(t, ConnectionConfig{})
	frames, _ := peerFrames(peer)

	cons, err := c.AddConsumer(2, 4)
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		for i := 1; i <= 4; i++ {
			var flags FrameFlag
			if i == 4 {
				flags = FlagSuspend
			}
			push(t, peer, 2, uint64(round*4+i), flags)
		}
		require.Eventually(t, func() bool { return cons.Buffered() == 4 }, 2*time.Second, time.Millisecond)
		for i := 0; i < 4; i++ {
			receive(t, cons)
		}
		select {
		case f := <-frames:
			assert.Equal(t, ActionResume, f.Action)
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: no resume", round)
		}
	}
	assert.Len(t, frames, 0)
}

func TestConsumerDefaultWatermarks(t *testing.T) {
	c, _ := pipeConn(t, ConnectionConfig{ConsumerCacheSize: 100})
	cons, err := c.AddConsumer(1, 0)
	require.NoError(t, err)
	full, empty := cons.Watermarks()
	assert.Equal(t, 100, full)
	assert.Equal(t, 25, empty)

	_, err = c.AddConsumer(1, 0)
	assert.Error(t, err)
	assert.Same(t, cons, c.Consumer(1))
}

func TestConsumerAck(t *testing.T) {
	c, peer := pipeConn(t, ConnectionConfig{})
	frames, _ := peerFrames(peer)
	cons, err := c.AddConsumer(3, 10)
	require.NoError(t, err)

	push(t, peer, 3, 1234, 0)
	msg := receive(t, cons)
	require.NoError(t, cons.Ack(msg))
	require.NoError(t, cons.Ack(msg))

	for i := 0; i < 2; i++ {
		ack := <-frames
		assert.Equal(t, ActionAck, ack.Action)
		assert.Equal(t, uint32(3), ack.ItemID)
		values, err := ack.Fields(codec.TLV{})
		require.NoError(t, err)
		assert.Equal(t, []interface{}{int64(1234)}, values)
	}
}

func TestRemoveConsumerWakesReceiver(t *testing.T) {
	c, _ := pipeConn(t, ConnectionConfig{})
	cons, err := c.AddConsumer(6, 10)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := cons.Receive(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.RemoveConsumer(6)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConsumerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not woken")
	}
	assert.Nil(t, c.Consumer(6))

	_, _, err = cons.TryReceive()
	assert.ErrorIs(t, err, ErrConsumerClosed)
}

func TestTeardownWakesReceivers(t *testing.T) {
	c, _ := pipeConn(t, ConnectionConfig{})
	var consumers []*Consumer
	for id := uint32(1); id <= 3; id++ {
		cons, err := c.AddConsumer(id, 10)
		require.NoError(t, err)
		consumers = append(consumers, cons)
	}

	errs := make(chan error, len(consumers))
	for _, cons := range consumers {
		go func(cons *Consumer) {
			_, err := cons.Receive(context.Background())
			errs <- err
		}(cons)
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())
	for range consumers {
		assert.ErrorIs(t, <-errs, ErrConsumerClosed)
	}

	_, err := c.AddConsumer(9, 10)
	assert.ErrorIs(t, err, ErrCancelled)
}
