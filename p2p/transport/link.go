package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/errors"
)

// ErrLinkClosed is returned by operations on a closed link.
var ErrLinkClosed = errors.New("link closed")

// link moves messages between two hosts. send is only called from the
// peer's writer goroutine and recv only from its reader goroutine.
type link interface {
	send(msg *Message) error
	recv() (*Message, error)
	close() error
}

type tcpLink struct {
	conn net.Conn
	r    *bufio.Reader
	once sync.Once
}

func newTCPLink(conn net.Conn) *tcpLink {
	return &tcpLink{conn: conn, r: bufio.NewReader(conn)}
}

func (l *tcpLink) send(msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = l.conn.Write(data)
	return err
}

func (l *tcpLink) recv() (*Message, error) {
	return decode(l.r)
}

func (l *tcpLink) recvWithin(d time.Duration) (*Message, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(d))
	defer func() { _ = l.conn.SetReadDeadline(time.Time{}) }()
	return l.recv()
}

func (l *tcpLink) close() error {
	var err error
	l.once.Do(func() { err = l.conn.Close() })
	return err
}

// memoryLink is one end of an in-process link pair.
type memoryLink struct {
	in     <-chan *Message
	out    chan<- *Message
	closed chan struct{}
	once   *sync.Once
}

// newMemoryLinkPair returns two connected ends. Closing either closes both.
func newMemoryLinkPair(buffer int) (*memoryLink, *memoryLink) {
	ab := make(chan *Message, buffer)
	ba := make(chan *Message, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &memoryLink{in: ba, out: ab, closed: closed, once: once},
		&memoryLink{in: ab, out: ba, closed: closed, once: once}
}

func (l *memoryLink) send(msg *Message) error {
	cp := *msg
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.out <- &cp:
		return nil
	case <-l.closed:
		return ErrLinkClosed
	}
}

func (l *memoryLink) recv() (*Message, error) {
	select {
	case m := <-l.in:
		return m, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *memoryLink) close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
