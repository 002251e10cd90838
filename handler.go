package zmsg

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// result codes used by the in-repo broker
const (
	CodeOK            int32 = 0
	CodeUnknownAction int32 = 1
	CodeUnknownItem   int32 = 2
)

// Responser is the server side of a Connection as seen by a Handler.
type Responser interface {
	Reply(request, reply *Frame) error
	ReplyCode(request *Frame, code int32) error
	Push(message *Frame) error
	Close() error
	SetID(interface{})
	GetID() interface{}
}

// A Handler responds to a zmsg request.
type Handler interface {
	ServeZmsg(w Responser, frame *Frame)
}

type HandlerFunc func(w Responser, frame *Frame)

func (f HandlerFunc) ServeZmsg(w Responser, frame *Frame) {
	f(w, frame)
}

// ServeMux is zmsg request multiplexer.
type ServeMux struct {
	mu sync.RWMutex
	m  map[ActionCode]Handler
}

func NewServeMux() *ServeMux { return &ServeMux{} }

func (mux *ServeMux) HandleFunc(action ActionCode, handler func(w Responser, requestFrame *Frame)) {
	mux.Handle(action, HandlerFunc(handler))
}

func (mux *ServeMux) Handle(action ActionCode, handler Handler) {
	if handler == nil {
		panic("zmsg: nil handler")
	}

	mux.mu.Lock()
	defer mux.mu.Unlock()

	if mux.m == nil {
		mux.m = make(map[ActionCode]Handler)
	}
	if _, exist := mux.m[action]; exist {
		panic(fmt.Sprintf("zmsg: multiple registrations for action %s", action))
	}

	mux.m[action] = handler
}

func (mux *ServeMux) ServeZmsg(w Responser, f *Frame) {
	mux.mu.RLock()
	h, ok := mux.m[f.Action]
	mux.mu.RUnlock()

	if !ok {
		l.Error("zmsg: action not registered", zap.Stringer("action", f.Action))
		if f.ID != 0 {
			w.ReplyCode(f, CodeUnknownAction)
		}
		return
	}

	h.ServeZmsg(w, f)
}

// Reply sends reply correlated to request. Replies always name an item so
// the client never mistakes them for pushed messages.
func (c *Connection) Reply(request, reply *Frame) error {
	if reply.Action == ActionNone {
		reply.Action = ActionReply
	}
	reply.ID = request.ID
	reply.ItemType = request.ItemType
	reply.ItemID = request.ItemID
	if reply.ItemType == ItemNone {
		reply.ItemType = ItemThread
	}
	return c.Send(reply, true)
}

// ReplyCode sends a reply whose only header field is code.
func (c *Connection) ReplyCode(request *Frame, code int32) error {
	reply := &Frame{Action: ActionReply}
	if err := reply.AppendField(c.config.Codec, code); err != nil {
		return err
	}
	return c.Reply(request, reply)
}

// Push delivers message to the consumer named by message.ItemID.
func (c *Connection) Push(message *Frame) error {
	if message.Action == ActionNone {
		message.Action = ActionDeliver
	}
	message.ItemType = ItemNone
	return c.Send(message, true)
}

// Raise sends a raiseException frame carrying code and its context.
func (c *Connection) Raise(code int32, message string, sessionID, producerID int32, destination string) error {
	f := &Frame{Action: ActionRaiseException, ItemType: ItemSession, ItemID: uint32(sessionID)}
	for _, v := range []interface{}{code, message, sessionID, producerID, destination} {
		if err := f.AppendField(c.config.Codec, v); err != nil {
			return err
		}
	}
	return c.Send(f, true)
}
