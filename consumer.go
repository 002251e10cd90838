package zmsg

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Consumer buffers messages pushed by the broker for one subscription and
// keeps the broker informed of client cache pressure.
//
// The broker suspends delivery with a FlagSuspend message once the client
// cache is full; the consumer asks it to resume once the local queue drained
// to the low watermark. count and suspended are guarded by mu, and the
// resume request is always sent after mu is released.
type Consumer struct {
	conn      *Connection
	id        uint32
	fullSize  int
	emptySize int

	mu        sync.Mutex
	queue     []*Frame
	count     int
	suspended bool
	resumeAt  int
	lastSeq   uint64
	closed    bool
	notify    chan struct{}
	closedCh  chan struct{}

	amu    sync.Mutex // held across posting resume and ack
	resume *Action
	ack    *Action
}

func newConsumer(conn *Connection, id uint32, fullSize int) *Consumer {
	if fullSize <= 0 {
		fullSize = conn.config.ConsumerCacheSize
	}
	return &Consumer{
		conn:      conn,
		id:        id,
		fullSize:  fullSize,
		emptySize: fullSize / 4,
		notify:    make(chan struct{}, 1),
		closedCh:  make(chan struct{}),
	}
}

func (cons *Consumer) ID() uint32 {
	return cons.id
}

func (cons *Consumer) Watermarks() (full, empty int) {
	return cons.fullSize, cons.emptySize
}

// Buffered is the number of delivered but not yet received messages.
func (cons *Consumer) Buffered() int {
	cons.mu.Lock()
	defer cons.mu.Unlock()
	return cons.count
}

// Suspended reports whether the broker paused delivery to this consumer.
func (cons *Consumer) Suspended() bool {
	cons.mu.Lock()
	defer cons.mu.Unlock()
	return cons.suspended
}

func (cons *Consumer) LastSequence() uint64 {
	cons.mu.Lock()
	defer cons.mu.Unlock()
	return cons.lastSeq
}

// handleMessage is called by the reader, in arrival order.
func (cons *Consumer) handleMessage(f *Frame) {
	cons.mu.Lock()
	if cons.closed {
		cons.mu.Unlock()
		droppedFrames.WithLabelValues("closed consumer").Inc()
		return
	}
	cons.queue = append(cons.queue, f)
	cons.count++
	cons.lastSeq = f.ID
	if f.Flags&FlagSuspend != 0 && !cons.suspended {
		cons.suspended = true
		// already drained below the low watermark: wait for a full drain
		cons.resumeAt = cons.emptySize
		if cons.count <= cons.emptySize {
			cons.resumeAt = 0
		}
		consumerSuspends.Inc()
		l.Debug("zmsg: consumer suspended",
			cons.conn.logID(),
			zap.Uint32("consumer", cons.id),
			zap.Int("buffered", cons.count),
			zap.Int("resumeAt", cons.resumeAt))
	}
	cons.mu.Unlock()

	cons.signal()
}

func (cons *Consumer) signal() {
	select {
	case cons.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until a message is available, the consumer is closed or
// ctx is done.
func (cons *Consumer) Receive(ctx context.Context) (*Frame, error) {
	for {
		f, ok, err := cons.poll()
		if err != nil || ok {
			return f, err
		}
		select {
		case <-cons.notify:
		case <-cons.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive returns the next buffered message without blocking.
func (cons *Consumer) TryReceive() (*Frame, bool, error) {
	return cons.poll()
}

func (cons *Consumer) poll() (f *Frame, ok bool, err error) {
	cons.mu.Lock()
	if cons.closed {
		cons.mu.Unlock()
		err = ErrConsumerClosed
		return
	}
	if len(cons.queue) == 0 {
		cons.mu.Unlock()
		return
	}
	f = cons.queue[0]
	cons.queue[0] = nil
	cons.queue = cons.queue[1:]
	cons.count--
	more := len(cons.queue) > 0
	resume := cons.suspended && cons.count <= cons.resumeAt
	if resume {
		cons.suspended = false
	}
	cons.mu.Unlock()

	ok = true
	if more {
		cons.signal()
	}
	if resume {
		cons.sendResume()
	}
	return
}

// reuse returns *slot reset for req, or a fresh action when the previous
// one is still in flight. Caller holds amu.
func reuse(slot **Action, req *Frame) *Action {
	if *slot != nil && (*slot).Reset(req) == nil {
		return *slot
	}
	*slot = NewAction(req)
	return *slot
}

func (cons *Consumer) sendResume() {
	cons.amu.Lock()
	a := reuse(&cons.resume, NewFrame(ActionResume, ItemConsumer, cons.id))
	a.ExpectReply = false
	err := cons.conn.Post(a)
	cons.amu.Unlock()

	if err != nil {
		l.Warn("zmsg: resume failed", cons.conn.logID(), zap.Uint32("consumer", cons.id), zap.Error(err))
		return
	}
	consumerResumes.Inc()
	l.Debug("zmsg: consumer resumed", cons.conn.logID(), zap.Uint32("consumer", cons.id))
}

// Ack acknowledges a received message without waiting for the broker.
func (cons *Consumer) Ack(msg *Frame) error {
	req := NewFrame(ActionAck, ItemConsumer, cons.id)
	if err := req.AppendField(cons.conn.config.Codec, int64(msg.ID)); err != nil {
		return err
	}

	cons.amu.Lock()
	defer cons.amu.Unlock()
	a := reuse(&cons.ack, req)
	a.ExpectReply = false
	return cons.conn.Post(a)
}

// close wakes every blocked Receive with ErrConsumerClosed.
func (cons *Consumer) close() {
	cons.mu.Lock()
	if cons.closed {
		cons.mu.Unlock()
		return
	}
	cons.closed = true
	cons.queue = nil
	cons.count = 0
	cons.mu.Unlock()

	close(cons.closedCh)
}

type consumerTable struct {
	mu     sync.Mutex
	m      map[uint32]*Consumer
	closed bool
}

func (t *consumerTable) get(id uint32) *Consumer {
	t.mu.Lock()
	cons := t.m[id]
	t.mu.Unlock()
	return cons
}

func (t *consumerTable) remove(id uint32) *Consumer {
	t.mu.Lock()
	cons := t.m[id]
	delete(t.m, id)
	t.mu.Unlock()
	return cons
}

func (t *consumerTable) closeAll() {
	t.mu.Lock()
	t.closed = true
	all := t.m
	t.m = make(map[uint32]*Consumer)
	t.mu.Unlock()

	for _, cons := range all {
		cons.close()
	}
}

// AddConsumer routes messages for the broker-assigned consumer id to a new
// Consumer. fullSize <= 0 uses ConnectionConfig.ConsumerCacheSize.
func (c *Connection) AddConsumer(id uint32, fullSize int) (*Consumer, error) {
	cons := newConsumer(c, id, fullSize)

	c.consumers.mu.Lock()
	defer c.consumers.mu.Unlock()

	if c.consumers.closed {
		return nil, c.closedErr("add consumer")
	}
	if _, exist := c.consumers.m[id]; exist {
		return nil, fmt.Errorf("zmsg: consumer %d already registered", id)
	}
	c.consumers.m[id] = cons
	return cons, nil
}

// Consumer returns the consumer registered under id, or nil.
func (c *Connection) Consumer(id uint32) *Consumer {
	return c.consumers.get(id)
}

// RemoveConsumer stops routing to id and closes its consumer.
func (c *Connection) RemoveConsumer(id uint32) {
	if cons := c.consumers.remove(id); cons != nil {
		cons.close()
	}
}
