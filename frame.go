package zmsg

import (
	"encoding/binary"
	"fmt"
)

// Wire layout of one frame:
//
//	0  ..3   length of everything below (big-endian, excludes itself)
//	4        action
//	5        flags
//	6        header field count
//	7        body type
//	8        priority
//	9  ..10  redelivery/duplicate count
//	11       item type
//	12 ..19  correlation or message id
//	20 ..23  item id
//	24 ..    header fields, then body
//
// A length of 1 is a keepalive subframe carrying a single PingRequest or
// PingReply byte.
const (
	lengthSize = 4
	// fixedLen is the part of the header counted by the length prefix.
	fixedLen = 20
	// HeaderSize is the fixed header including the length prefix.
	HeaderSize = lengthSize + fixedLen

	keepaliveLen = 1
)

// keepalive payloads
const (
	PingRequest byte = 0
	PingReply   byte = 1
)

// ActionCode names the operation a frame carries.
type ActionCode uint8

const (
	ActionNone ActionCode = iota
	ActionConnect
	ActionDisconnect
	ActionCreateSession
	ActionCloseSession
	ActionCreateConsumer
	ActionCloseConsumer
	ActionCreateProducer
	ActionCloseProducer
	ActionProduce
	ActionDeliver
	ActionAck
	ActionResume
	ActionCommit
	ActionRollback
	ActionXA
	ActionReply
	ActionRaiseException
)

var actionNames = [...]string{
	ActionNone:           "none",
	ActionConnect:        "connect",
	ActionDisconnect:     "disconnect",
	ActionCreateSession:  "createSession",
	ActionCloseSession:   "closeSession",
	ActionCreateConsumer: "createConsumer",
	ActionCloseConsumer:  "closeConsumer",
	ActionCreateProducer: "createProducer",
	ActionCloseProducer:  "closeProducer",
	ActionProduce:        "produce",
	ActionDeliver:        "deliver",
	ActionAck:            "ack",
	ActionResume:         "resume",
	ActionCommit:         "commit",
	ActionRollback:       "rollback",
	ActionXA:             "xa",
	ActionReply:          "reply",
	ActionRaiseException: "raiseException",
}

func (a ActionCode) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// FrameFlag is the flags byte of a frame.
type FrameFlag uint8

const (
	FlagPersistent FrameFlag = 1 << iota
	FlagRetain
	// FlagSuspend marks a delivery after which the broker paused the
	// consumer because the client cache is full.
	FlagSuspend
	FlagRedelivered
)

// ItemType tells what kind of entity ItemID names.
type ItemType uint8

const (
	ItemNone ItemType = iota
	ItemThread
	ItemSession
	ItemConsumer
	ItemProducer
)

func (t ItemType) String() string {
	switch t {
	case ItemNone:
		return "none"
	case ItemThread:
		return "thread"
	case ItemSession:
		return "session"
	case ItemConsumer:
		return "consumer"
	case ItemProducer:
		return "producer"
	default:
		return fmt.Sprintf("item(%d)", uint8(t))
	}
}

// BodyType tags the encoding of the body, interpreted by the value codec.
type BodyType uint8

const (
	BodyNone BodyType = iota
	BodyBytes
	BodyText
	BodyMap
	BodyStream
	BodyObject
)

// Frame is one decoded protocol unit. Payload holds the header fields
// followed by the body, both opaque to this package.
type Frame struct {
	Action      ActionCode
	Flags       FrameFlag
	HeaderCount uint8
	BodyType    BodyType
	Priority    uint8
	DupCount    uint16
	ItemType    ItemType
	ID          uint64
	ItemID      uint32
	Payload     []byte
}

func NewFrame(action ActionCode, itemType ItemType, itemID uint32) *Frame {
	return &Frame{Action: action, ItemType: itemType, ItemID: itemID}
}

// Len is the value of the length prefix for f.
func (f *Frame) Len() int {
	return fixedLen + len(f.Payload)
}

// EncodeHeader produces the fixed header of f, length prefix included.
func EncodeHeader(f *Frame) (header [HeaderSize]byte) {
	binary.BigEndian.PutUint32(header[0:], uint32(f.Len()))
	header[4] = byte(f.Action)
	header[5] = byte(f.Flags)
	header[6] = f.HeaderCount
	header[7] = byte(f.BodyType)
	header[8] = f.Priority
	binary.BigEndian.PutUint16(header[9:], f.DupCount)
	header[11] = byte(f.ItemType)
	binary.BigEndian.PutUint64(header[12:], f.ID)
	binary.BigEndian.PutUint32(header[20:], f.ItemID)
	return
}

// DecodeHeader is the inverse of EncodeHeader. It returns the frame without
// its payload and the number of payload bytes that follow the header.
func DecodeHeader(b []byte) (f *Frame, payloadLen int, err error) {
	if len(b) < HeaderSize {
		err = newError(KindFraming, "decode header", fmt.Errorf("short header: %d bytes", len(b)))
		return
	}
	length := int(int32(binary.BigEndian.Uint32(b)))
	if length < fixedLen {
		err = newError(KindFraming, "decode header", fmt.Errorf("invalid frame length %d", length))
		return
	}
	f = &Frame{
		Action:      ActionCode(b[4]),
		Flags:       FrameFlag(b[5]),
		HeaderCount: b[6],
		BodyType:    BodyType(b[7]),
		Priority:    b[8],
		DupCount:    binary.BigEndian.Uint16(b[9:]),
		ItemType:    ItemType(b[11]),
		ID:          binary.BigEndian.Uint64(b[12:]),
		ItemID:      binary.BigEndian.Uint32(b[20:]),
	}
	payloadLen = length - fixedLen
	return
}

// DecodeFrame decodes one complete frame. The payload is copied so b may be
// reused by the caller.
func DecodeFrame(b []byte) (*Frame, error) {
	f, payloadLen, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b) < HeaderSize+payloadLen {
		return nil, newError(KindFraming, "decode frame",
			fmt.Errorf("truncated frame: want %d bytes, have %d", HeaderSize+payloadLen, len(b)))
	}
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), b[HeaderSize:HeaderSize+payloadLen]...)
	}
	return f, nil
}

func (f *Frame) AppendTo(dst []byte) []byte {
	header := EncodeHeader(f)
	dst = append(dst, header[:]...)
	return append(dst, f.Payload...)
}

// FieldCodec encodes and decodes the self-describing values that make up
// header fields and bodies.
type FieldCodec interface {
	// Skip returns the encoded size of the value at the start of b.
	Skip(b []byte) (int, error)
	Decode(b []byte) (v interface{}, n int, err error)
	Append(dst []byte, v interface{}) ([]byte, error)
}

// AppendField appends one header field. Fields must be appended before
// the body is set.
func (f *Frame) AppendField(c FieldCodec, v interface{}) (err error) {
	if f.HeaderCount == 0xff {
		return fmt.Errorf("zmsg: too many header fields")
	}
	f.Payload, err = c.Append(f.Payload, v)
	if err != nil {
		return
	}
	f.HeaderCount++
	return
}

// SetBody appends the body after the header fields.
func (f *Frame) SetBody(t BodyType, body []byte) {
	f.BodyType = t
	f.Payload = append(f.Payload, body...)
}

// Split separates the raw header fields from the body.
func (f *Frame) Split(c FieldCodec) (fields [][]byte, body []byte, err error) {
	rest := f.Payload
	if f.HeaderCount > 0 {
		fields = make([][]byte, 0, f.HeaderCount)
	}
	for i := 0; i < int(f.HeaderCount); i++ {
		var n int
		n, err = c.Skip(rest)
		if err != nil {
			err = newError(KindFraming, "split fields", fmt.Errorf("field %d: %w", i, err))
			return
		}
		fields = append(fields, rest[:n])
		rest = rest[n:]
	}
	body = rest
	return
}

func (f *Frame) Fields(c FieldCodec) ([]interface{}, error) {
	raw, _, err := f.Split(c)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, 0, len(raw))
	for _, field := range raw {
		v, _, err := c.Decode(field)
		if err != nil {
			return nil, newError(KindFraming, "decode field", err)
		}
		values = append(values, v)
	}
	return values, nil
}

// Body returns the body bytes that follow the header fields.
func (f *Frame) Body(c FieldCodec) ([]byte, error) {
	if f.HeaderCount == 0 {
		return f.Payload, nil
	}
	_, body, err := f.Split(c)
	return body, err
}

// ResultCode returns the result code of a reply: the first header field
// when present, 0 otherwise.
func (f *Frame) ResultCode(c FieldCodec) (int32, error) {
	if f.HeaderCount == 0 {
		return 0, nil
	}
	v, _, err := c.Decode(f.Payload)
	if err != nil {
		return 0, newError(KindFraming, "result code", err)
	}
	switch code := v.(type) {
	case int32:
		return code, nil
	case int64:
		return int32(code), nil
	case nil:
		return 0, nil
	default:
		return 0, newError(KindFraming, "result code", fmt.Errorf("unexpected type %T", v))
	}
}
