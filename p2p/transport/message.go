package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/LumeraProtocol/keynode/pkg/errors"
)

// MessageType identifies the payload carried by a Message.
type MessageType int

const (
	// Hello is exchanged once when a link comes up
	Hello MessageType = iota
	// SwapRequest opens a swap, carrying the digest of the sender's payload
	SwapRequest
	// SwapReply answers a request with the responder's digest
	SwapReply
	// SwapRejected aborts a swap chain
	SwapRejected
	// SwapCommit reveals the requester's payload
	SwapCommit
	// SwapComplete reveals the responder's payload
	SwapComplete
	// LocChangeNotification announces a new location to direct peers
	LocChangeNotification
	// BlockDelivery carries a block a peer fetched for us
	BlockDelivery
)

var messageTypeNames = map[MessageType]string{
	Hello:                 "hello",
	SwapRequest:           "swap_request",
	SwapReply:             "swap_reply",
	SwapRejected:          "swap_rejected",
	SwapCommit:            "swap_commit",
	SwapComplete:          "swap_complete",
	LocChangeNotification: "loc_change_notification",
	BlockDelivery:         "block_delivery",
}

func (t MessageType) String() string {
	if n, ok := messageTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("message_type(%d)", int(t))
}

const maxMessageSize = 1 << 20 // 1 MiB

func init() {
	gob.Register(&HelloData{})
	gob.Register(&SwapRequestData{})
	gob.Register(&SwapReplyData{})
	gob.Register(&SwapRejectedData{})
	gob.Register(&SwapCommitData{})
	gob.Register(&SwapCompleteData{})
	gob.Register(&LocChangeData{})
	gob.Register(&BlockData{})
}

// Message is the unit exchanged between peers.
type Message struct {
	Type   MessageType
	Sender PeerID      // filled in by the receiving side
	Data   interface{} // one of the *Data payloads below
	// CorrelationID carries a best-effort trace identifier across nodes.
	CorrelationID string
}

func (m *Message) String() string {
	return fmt.Sprintf("type: %v, sender: %v, data type: %T", m.Type, m.Sender, m.Data)
}

// NewMessage wraps a payload.
func NewMessage(t MessageType, data interface{}) *Message {
	return &Message{Type: t, Data: data}
}

// UIDCarrier is implemented by payloads that belong to a swap chain.
type UIDCarrier interface {
	MessageUID() int64
}

// UID returns the chain UID of the payload, if it has one.
func (m *Message) UID() (int64, bool) {
	if c, ok := m.Data.(UIDCarrier); ok {
		return c.MessageUID(), true
	}
	return 0, false
}

// WithUID returns a copy of m whose payload carries uid. Messages without
// a UID are returned unchanged.
func (m *Message) WithUID(uid int64) *Message {
	out := &Message{Type: m.Type, CorrelationID: m.CorrelationID}
	switch d := m.Data.(type) {
	case *SwapRequestData:
		c := *d
		c.UID = uid
		out.Data = &c
	case *SwapReplyData:
		c := *d
		c.UID = uid
		out.Data = &c
	case *SwapRejectedData:
		c := *d
		c.UID = uid
		out.Data = &c
	case *SwapCommitData:
		c := *d
		c.UID = uid
		out.Data = &c
	case *SwapCompleteData:
		c := *d
		c.UID = uid
		out.Data = &c
	default:
		return m
	}
	return out
}

// HelloData introduces a node on a fresh link.
type HelloData struct {
	ID             PeerID
	Location       float64
	SwapIdentifier int64
}

// SwapRequestData opens a swap with the digest of the requester's payload.
type SwapRequestData struct {
	UID  int64
	Hash []byte
	HTL  int
}

// SwapReplyData answers a request with the responder's digest.
type SwapReplyData struct {
	UID  int64
	Hash []byte
}

// SwapRejectedData aborts the chain identified by UID.
type SwapRejectedData struct {
	UID int64
}

// SwapCommitData reveals the requester's payload.
type SwapCommitData struct {
	UID      int64
	Data     []byte
	NodeUIDs []int64
}

// SwapCompleteData reveals the responder's payload.
type SwapCompleteData struct {
	UID      int64
	Data     []byte
	NodeUIDs []int64
}

// LocChangeData announces the sender's new location.
type LocChangeData struct {
	Location float64
}

// BlockData delivers a block.
type BlockData struct {
	Key  [32]byte
	Data []byte
}

func (d *SwapRequestData) MessageUID() int64  { return d.UID }
func (d *SwapReplyData) MessageUID() int64    { return d.UID }
func (d *SwapRejectedData) MessageUID() int64 { return d.UID }
func (d *SwapCommitData) MessageUID() int64   { return d.UID }
func (d *SwapCompleteData) MessageUID() int64 { return d.UID }

// encodePayload gob-encodes the message without the length header.
func encodePayload(message *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(message); err != nil {
		return nil, err
	}
	if buf.Len() > maxMessageSize {
		return nil, errors.New("message size exceeds maximum")
	}
	return buf.Bytes(), nil
}

// encode builds the on-wire message: an 8-byte header carrying the
// uvarint payload length, followed by the payload.
func encode(message *Message) ([]byte, error) {
	payload, err := encodePayload(message)
	if err != nil {
		return nil, err
	}
	var header [8]byte
	binary.PutUvarint(header[:], uint64(len(payload)))
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header[:]...)
	out = append(out, payload...)
	return out, nil
}

// decode reads one message written by encode.
func decode(conn io.Reader) (*Message, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length, err := binary.ReadUvarint(bytes.NewBuffer(header))
	if err != nil {
		return nil, errors.Errorf("parse header length: %w", err)
	}
	if length > maxMessageSize {
		return nil, errors.New("message size exceeds maximum")
	}

	lr := &io.LimitedReader{R: conn, N: int64(length)}
	msg := &Message{}
	if err := gob.NewDecoder(lr).Decode(msg); err != nil {
		return nil, err
	}
	// keep the stream aligned if gob stopped short
	if lr.N > 0 {
		_, _ = io.CopyN(io.Discard, lr, lr.N)
	}
	return msg, nil
}
