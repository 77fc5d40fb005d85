package api

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/data"
	"github.com/hetianyi/gomft/reg"
	"github.com/hetianyi/gomft/session"
	"github.com/hetianyi/gox/gpip"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/uuid"
)

var (
	ErrTimeout       = errors.New("timeout waiting for packet")
	ErrChannelClosed = errors.New("channel closed")
)

// PacketChannel is an established channel whose packets are validated by its session.
type PacketChannel interface {
	Session() *session.Session
	// Send validates and writes one packet, body may be nil.
	Send(header *common.Header, body []byte) error
	// Receive reads one packet. A packet illegal for the session state is
	// returned together with a *session.UnexpectedPacketError.
	Receive(timeout time.Duration) (*common.Header, []byte, error)
	RemoteAddress() string
	// Descriptor describes the data connection negotiated over this channel.
	Descriptor() *data.Descriptor
	// Close is idempotent.
	Close()
}

// tcpChannel carries packets over a net.Conn framed by gpip.
type tcpChannel struct {
	pip        *gpip.Pip
	conn       net.Conn
	session    *session.Session
	descriptor *data.Descriptor
	writeLock  *sync.Mutex
	closeOnce  *sync.Once
}

// NewTCPChannel wraps an opened connection.
func NewTCPChannel(conn net.Conn, ports *reg.PortRange) PacketChannel {
	local, _ := conn.LocalAddr().(*net.TCPAddr)
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)
	return &tcpChannel{
		pip:        &gpip.Pip{Conn: conn},
		conn:       conn,
		session:    session.New(uuid.UUID()),
		descriptor: data.NewDescriptor(local, remote, ports),
		writeLock:  new(sync.Mutex),
		closeOnce:  new(sync.Once),
	}
}

func (c *tcpChannel) Session() *session.Session {
	return c.session
}

func (c *tcpChannel) RemoteAddress() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpChannel) Descriptor() *data.Descriptor {
	return c.descriptor
}

func (c *tcpChannel) Send(header *common.Header, body []byte) error {
	return c.session.Send(header.Operation, func() error {
		c.writeLock.Lock()
		defer c.writeLock.Unlock()
		return c.pip.Send(header, bytes.NewReader(body), int64(len(body)))
	})
}

func (c *tcpChannel) Receive(timeout time.Duration) (*common.Header, []byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	var header *common.Header
	var body []byte
	err := c.pip.Receive(&common.Header{}, func(_header interface{}, bodyReader io.Reader, bodyLength int64) error {
		if _header == nil {
			return errors.New("invalid packet: header is empty")
		}
		header = _header.(*common.Header)
		if bodyLength > 0 {
			body = make([]byte, bodyLength)
			if _, err := io.ReadFull(bodyReader, body); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	return header, body, c.session.Receive(header.Operation)
}

func (c *tcpChannel) Close() {
	c.closeOnce.Do(func() {
		c.descriptor.Clear()
		c.session.Close()
		c.pip.Close()
		logger.Debug("channel ", c.session.Id(), " closed")
	})
}

// memChannel is one end of an in-process channel pair.
type memChannel struct {
	session    *session.Session
	descriptor *data.Descriptor
	name       string
	in        chan memPacket
	peer      *memChannel
	done      chan struct{}
	closeOnce *sync.Once
}

type memPacket struct {
	header *common.Header
	body   []byte
}

// NewChannelPair creates two connected in-process channels.
// Packets written to one end are received by the other in order.
func NewChannelPair(nameA, nameB string) (PacketChannel, PacketChannel) {
	a := &memChannel{session: session.New(uuid.UUID()), descriptor: data.NewDescriptor(nil, nil, nil),
		name: nameA, in: make(chan memPacket, 256), done: make(chan struct{}), closeOnce: new(sync.Once)}
	b := &memChannel{session: session.New(uuid.UUID()), descriptor: data.NewDescriptor(nil, nil, nil),
		name: nameB, in: make(chan memPacket, 256), done: make(chan struct{}), closeOnce: new(sync.Once)}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memChannel) Session() *session.Session {
	return c.session
}

func (c *memChannel) RemoteAddress() string {
	return c.peer.name
}

// Descriptor of an in-process channel addresses data connections on the loopback interface.
func (c *memChannel) Descriptor() *data.Descriptor {
	return c.descriptor
}

func (c *memChannel) Send(header *common.Header, body []byte) error {
	return c.session.Send(header.Operation, func() error {
		h := *header
		if header.Attributes != nil {
			h.Attributes = make(map[string]string, len(header.Attributes))
			for k, v := range header.Attributes {
				h.Attributes[k] = v
			}
		}
		var b []byte
		if len(body) > 0 {
			b = append([]byte(nil), body...)
		}
		select {
		case <-c.done:
			return ErrChannelClosed
		case <-c.peer.done:
			return ErrChannelClosed
		case c.peer.in <- memPacket{header: &h, body: b}:
			return nil
		}
	})
}

func (c *memChannel) Receive(timeout time.Duration) (*common.Header, []byte, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}
	select {
	case p := <-c.in:
		return p.header, p.body, c.session.Receive(p.header.Operation)
	default:
	}
	select {
	case p := <-c.in:
		return p.header, p.body, c.session.Receive(p.header.Operation)
	case <-c.done:
		return nil, nil, ErrChannelClosed
	case <-c.peer.done:
		// drain what the peer wrote before closing
		select {
		case p := <-c.in:
			return p.header, p.body, c.session.Receive(p.header.Operation)
		default:
			return nil, nil, io.EOF
		}
	case <-timeoutC:
		return nil, nil, ErrTimeout
	}
}

func (c *memChannel) Close() {
	c.closeOnce.Do(func() {
		c.descriptor.Clear()
		c.session.Close()
		close(c.done)
	})
}
