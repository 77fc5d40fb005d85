package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/reg"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
)

var ErrNoConnection = errors.New("no connection")

// Connector establishes authenticated channels to remote hosts.
// It keeps no state between calls.
type Connector struct {
	HostId      string
	Secret      string
	Retry       int           // dial attempts per call
	Delay       time.Duration // delay between attempts
	DialTimeout time.Duration
	Timeout     time.Duration // handshake reply timeout
	TLSConfig   *tls.Config
	Ports       *reg.PortRange
}

// NewConnector creates a connector from the host configuration.
func NewConnector(c *common.Config, ports *reg.PortRange) *Connector {
	return &Connector{
		HostId:      c.HostId,
		Secret:      c.Secret,
		Retry:       c.ConnectRetry,
		Delay:       common.Millis(c.ConnectDelay),
		DialTimeout: common.Millis(c.DialTimeout),
		Timeout:     common.Millis(c.Timeout),
		Ports:       ports,
	}
}

// CreateConnectionWithRetry dials address at most Retry times.
// It returns ErrNoConnection when every attempt failed,
// an authentication refusal is returned at once.
func (c *Connector) CreateConnectionWithRetry(ctx context.Context, address string, secure bool) (PacketChannel, error) {
	retry := c.Retry
	if retry <= 0 {
		retry = 1
	}
	for i := 0; i < retry; i++ {
		conn, err := c.dial(address, secure)
		if err == nil {
			ch := NewTCPChannel(conn, c.Ports)
			err = Handshake(ch, c.HostId, c.Secret, c.Timeout)
			if err == nil {
				logger.Debug("connected to ", address, " after ", i+1, " attempt(s)")
				return ch, nil
			}
			ch.Close()
			if common.CodeOf(err) == common.BadAuthent {
				return nil, err
			}
		}
		logger.Debug("connect to ", address, " failed (", convert.IntToStr(i+1), "/", convert.IntToStr(retry), "): ", err)
		if i < retry-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Delay):
			}
		}
	}
	return nil, ErrNoConnection
}

func (c *Connector) dial(address string, secure bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.DialTimeout}
	if secure {
		cfg := c.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		return tls.DialWithDialer(dialer, "tcp", address, cfg)
	}
	return dialer.Dial("tcp", address)
}

// Handshake authenticates the local host on a freshly opened channel.
func Handshake(ch PacketChannel, hostId, secret string, timeout time.Duration) error {
	err := ch.Send(&common.Header{
		Operation: common.OPERATION_CONNECT,
		Attributes: map[string]string{
			"hostId": hostId,
			"secret": secret,
		},
	}, nil)
	if err != nil {
		return err
	}
	h, _, err := ch.Receive(timeout)
	if err != nil {
		return err
	}
	if h.Code != common.CompleteOk {
		return common.NewFailure(common.BadAuthent, h.Msg)
	}
	return nil
}
