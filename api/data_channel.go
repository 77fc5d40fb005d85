package api

import (
	"net"
	"sync"
	"time"

	"github.com/hetianyi/gomft/data"
	"github.com/hetianyi/gomft/reg"
	"github.com/hetianyi/gomft/session"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/gpip"
	"github.com/hetianyi/gox/logger"
	"github.com/hetianyi/gox/uuid"
)

// request attribute asking the requested host for a separate data connection.
const (
	DATA_ATTRIBUTE      = "data"
	DATA_PORT_ATTRIBUTE = "dataPort"
	DATA_PASSIVE        = "passive"
)

// ListenPassive binds the next port of ports as passive data address of ch
// and listens on it. The port is released when ch or its data channel closes.
func ListenPassive(ch PacketChannel, ports *reg.PortRange) (net.Listener, int, error) {
	d := ch.Descriptor()
	d.UsePortRange(ports)
	port, err := d.BindPassivePort()
	if err != nil {
		return nil, 0, err
	}
	d.SetPassive()
	if err := d.InitConnection(); err != nil {
		d.Clear()
		return nil, 0, err
	}
	l, err := net.Listen("tcp", d.LocalAddress().String())
	if err != nil {
		logger.Warn("cannot listen on ", d.LocalAddress(), ": ", err)
		d.Clear()
		return nil, 0, &data.NoDataConnectionError{Passive: true}
	}
	logger.Debug(d.Status())
	return l, port, nil
}

// AcceptData waits for the peer to open the data connection announced by ListenPassive.
// The listener is closed in any case.
func AcceptData(ch PacketChannel, l net.Listener, timeout time.Duration) (PacketChannel, error) {
	defer l.Close()
	if tl, ok := l.(*net.TCPListener); ok && timeout > 0 {
		tl.SetDeadline(time.Now().Add(timeout))
	}
	var conn net.Conn
	if c, err := l.Accept(); err == nil {
		conn = c
	} else {
		logger.Warn("no data connection on ", l.Addr(), ": ", err)
	}
	d := ch.Descriptor()
	if err := d.SetNewOpenedChannel(conn); err != nil {
		d.Clear()
		return nil, err
	}
	return newDataChannel(conn, ch), nil
}

// DialData opens the data connection the remote host of ch announced on port.
func DialData(ch PacketChannel, port int, timeout time.Duration) (PacketChannel, error) {
	d := ch.Descriptor()
	r := d.RemoteAddress()
	d.SetActive(&net.TCPAddr{IP: r.IP, Port: port, Zone: r.Zone})
	address := d.RemoteAddress().String()
	var conn net.Conn
	if c, err := net.DialTimeout("tcp", address, timeout); err == nil {
		conn = c
	} else {
		logger.Warn("cannot open data connection to ", address, ": ", err)
	}
	if err := d.SetNewOpenedChannel(conn); err != nil {
		d.Clear()
		return nil, err
	}
	logger.Debug(d.Status())
	return newDataChannel(conn, ch), nil
}

// newDataChannel carries the data phase of ch over conn.
// Closing it closes conn and resets the descriptor of ch.
func newDataChannel(conn net.Conn, ch PacketChannel) PacketChannel {
	return &tcpChannel{
		pip:        &gpip.Pip{Conn: conn},
		conn:       conn,
		session:    session.NewDataSession(uuid.UUID(), ch.Session().Params()),
		descriptor: ch.Descriptor(),
		writeLock:  new(sync.Mutex),
		closeOnce:  new(sync.Once),
	}
}

// DataPort returns the data port announced in the attributes of a REQUEST answer, 0 if none.
func DataPort(ats map[string]string) int {
	port, err := convert.StrToInt(ats[DATA_PORT_ATTRIBUTE])
	if err != nil || port <= 0 || port > 65535 {
		return 0
	}
	return port
}

// IsLocalPeer reports whether the peer of ch runs on this machine.
func IsLocalPeer(ch PacketChannel) bool {
	c, ok := ch.(*tcpChannel)
	if !ok {
		return false
	}
	remote, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}
	if remote.IP.IsLoopback() {
		return true
	}
	local, ok := c.conn.LocalAddr().(*net.TCPAddr)
	return ok && local.IP.Equal(remote.IP)
}
