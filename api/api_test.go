package api_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/reg"
	"github.com/hetianyi/gomft/session"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
}

// serveHandshake answers the CONNECT packet on the requested side.
func serveHandshake(t *testing.T, ch api.PacketChannel, code common.ErrorCode) {
	h, _, err := ch.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, common.OPERATION_CONNECT, h.Operation)
	require.NoError(t, ch.Send(&common.Header{Operation: common.OPERATION_CONNECT, Code: code}, nil))
}

// validated brings both ends of a pair to REQUESTD.
func validated(t *testing.T) (api.PacketChannel, api.PacketChannel) {
	a, b := api.NewChannelPair("a", "b")
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveHandshake(t, b, common.CompleteOk)
		h, _, err := b.Receive(time.Second)
		require.NoError(t, err)
		require.Equal(t, common.OPERATION_REQUEST, h.Operation)
		require.NoError(t, b.Send(&common.Header{Operation: common.OPERATION_REQUEST, Code: common.InitOk}, nil))
	}()
	require.NoError(t, api.Handshake(a, "a", "secret", time.Second))
	require.NoError(t, a.Send(&common.Header{Operation: common.OPERATION_REQUEST}, nil))
	h, _, err := a.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, common.InitOk, h.Code)
	<-done
	return a, b
}

func TestFuture(t *testing.T) {
	f := api.NewFuture()
	_, ok := f.Await(10 * time.Millisecond)
	assert.False(t, ok)
	assert.False(t, f.IsDone())

	f.Complete(&api.Result{Code: common.CompleteOk, Success: true})
	f.Complete(&api.Result{Code: common.Internal})
	r, ok := f.Await(0)
	assert.True(t, ok)
	assert.Equal(t, common.CompleteOk, r.Code)
	assert.True(t, f.IsDone())
}

func TestHandshake(t *testing.T) {
	a, b := api.NewChannelPair("a", "b")
	go serveHandshake(t, b, common.CompleteOk)
	require.NoError(t, api.Handshake(a, "a", "secret", time.Second))
	assert.Equal(t, session.AUTHENTICATED, a.Session().State())
	assert.Equal(t, session.AUTHENTICATED, b.Session().State())
}

func TestHandshakeRefused(t *testing.T) {
	a, b := api.NewChannelPair("a", "b")
	go serveHandshake(t, b, common.BadAuthent)
	err := api.Handshake(a, "a", "wrong", time.Second)
	assert.Equal(t, common.BadAuthent, common.CodeOf(err))
}

func TestChannelPairTimeoutAndClose(t *testing.T) {
	a, b := api.NewChannelPair("a", "b")
	_, _, err := a.Receive(10 * time.Millisecond)
	assert.Equal(t, api.ErrTimeout, err)

	require.NoError(t, b.Send(&common.Header{Operation: common.OPERATION_CONNECT}, nil))
	b.Close()
	b.Close()
	h, _, err := a.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.OPERATION_CONNECT, h.Operation)
	_, _, err = a.Receive(time.Second)
	assert.Error(t, err)
	assert.Equal(t, "b", a.RemoteAddress())
}

func TestUnexpectedPacketReported(t *testing.T) {
	a, b := api.NewChannelPair("a", "b")
	go serveHandshake(t, b, common.CompleteOk)
	require.NoError(t, api.Handshake(a, "a", "s", time.Second))
	require.NoError(t, a.Send(&common.Header{Operation: common.OPERATION_REQUEST}, nil))

	// the requested side answers with data before validating the request
	_, _, err := b.Receive(time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Send(&common.Header{Operation: common.OPERATION_DATA}, []byte("x")))

	h, _, err := a.Receive(time.Second)
	require.NotNil(t, h)
	var unexpected *session.UnexpectedPacketError
	assert.ErrorAs(t, err, &unexpected)
	assert.Equal(t, session.ERROR, a.Session().State())
}

func TestBlockTransfer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "out", "dst.bin")
	content := make([]byte, 10*1024+17)
	rand.New(rand.NewSource(1)).Read(content)
	require.NoError(t, ioutil.WriteFile(src, content, 0666))

	a, b := validated(t)
	sendRec := &common.TransferRecord{BlockSize: 1024}
	recvRec := &common.TransferRecord{BlockSize: 1024}
	checkpoints := 0

	errC := make(chan error, 1)
	go func() {
		errC <- (&api.BlockTransfer{Channel: b, Record: recvRec, Path: dst, Timeout: time.Second,
			CheckpointBlocks: 4, Checkpoint: func(*common.TransferRecord) error { checkpoints++; return nil }}).Receive()
	}()
	err := (&api.BlockTransfer{Channel: a, Record: sendRec, Path: src, Timeout: time.Second}).Send()
	require.NoError(t, err)
	require.NoError(t, <-errC)

	got, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, 11, sendRec.Rank)
	assert.Equal(t, 11, recvRec.Rank)
	assert.Equal(t, 3, checkpoints) // rank 4, rank 8 and the end
	assert.Equal(t, session.ENDTRANSFERR, a.Session().State())
	assert.Equal(t, session.ENDTRANSFERR, b.Session().State())
}

func TestBlockTransferResume(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	content := make([]byte, 4096+100)
	rand.New(rand.NewSource(2)).Read(content)
	require.NoError(t, ioutil.WriteFile(src, content, 0666))
	// the first two blocks arrived in an earlier attempt, followed by garbage
	partial := append(append([]byte(nil), content[:2048]...), bytes.Repeat([]byte{0xff}, 5000)...)
	require.NoError(t, ioutil.WriteFile(dst, partial, 0666))

	a, b := validated(t)
	errC := make(chan error, 1)
	go func() {
		errC <- (&api.BlockTransfer{Channel: b, Record: &common.TransferRecord{BlockSize: 1024, Rank: 2},
			Path: dst, Timeout: time.Second}).Receive()
	}()
	require.NoError(t, (&api.BlockTransfer{Channel: a, Record: &common.TransferRecord{BlockSize: 1024, Rank: 2},
		Path: src, Timeout: time.Second}).Send())
	require.NoError(t, <-errC)

	got, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestBlockTransferAbortedByReceiver(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, ioutil.WriteFile(src, make([]byte, 3000), 0666))

	a, b := validated(t)
	abort := make(chan common.Operation, 1)
	abort <- common.OPERATION_STOP
	err := (&api.BlockTransfer{Channel: b, Record: &common.TransferRecord{Id: 1, Requester: "a", Requested: "b"},
		Path: filepath.Join(dir, "dst.bin"), Timeout: time.Second, Abort: abort}).Receive()
	assert.Equal(t, common.StoppedTransfer, common.CodeOf(err))

	err = (&api.BlockTransfer{Channel: a, Record: &common.TransferRecord{BlockSize: 1024},
		Path: src, Timeout: time.Second}).Send()
	assert.Equal(t, common.StoppedTransfer, common.CodeOf(err))
}

func TestCheckpointFailureEndsDataPhase(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, ioutil.WriteFile(src, make([]byte, 5*1024), 0666))

	a, b := validated(t)
	errC := make(chan error, 1)
	rec := &common.TransferRecord{Id: 1, Requester: "a", Requested: "b", BlockSize: 1024}
	go func() {
		errC <- (&api.BlockTransfer{Channel: b, Record: rec, Path: filepath.Join(dir, "dst.bin"), Timeout: time.Second,
			CheckpointBlocks: 2, Checkpoint: func(r *common.TransferRecord) error {
				if r.Rank >= 2 {
					return common.NewFailure(common.CanceledTransfer, "cancelled")
				}
				return nil
			}}).Receive()
	}()
	err := (&api.BlockTransfer{Channel: a, Record: &common.TransferRecord{BlockSize: 1024},
		Path: src, Timeout: time.Second}).Send()
	assert.Equal(t, common.CanceledTransfer, common.CodeOf(err))
	assert.Equal(t, common.CanceledTransfer, common.CodeOf(<-errC))
	assert.Equal(t, 2, rec.Rank)
}

func TestBlockTransferRefusesEncodedTransfer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, ioutil.WriteFile(src, make([]byte, 100), 0666))

	a, b := validated(t)
	a.Session().SetParams(session.DefaultParams().WithType(session.ASCII))
	err := (&api.BlockTransfer{Channel: a, Record: &common.TransferRecord{}, Path: src, Timeout: time.Second}).Send()
	assert.Equal(t, common.TransferError, common.CodeOf(err))
	assert.Contains(t, err.Error(), "text")

	h, _, _ := b.Receive(time.Second)
	require.NotNil(t, h)
	assert.Equal(t, common.OPERATION_ERROR, h.Operation)
}

func TestPassiveDataChannel(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	content := make([]byte, 3*1024+5)
	rand.New(rand.NewSource(3)).Read(content)
	require.NoError(t, ioutil.WriteFile(src, content, 0666))

	ports, err := reg.NewPortRange(41200, 41209)
	require.NoError(t, err)
	a, b := validated(t)
	l, port, err := api.ListenPassive(b, ports)
	require.NoError(t, err)
	assert.Equal(t, 41200, port)
	assert.True(t, b.Descriptor().IsPassive())

	accepted := make(chan api.PacketChannel, 1)
	go func() {
		bd, err := api.AcceptData(b, l, time.Second)
		assert.NoError(t, err)
		accepted <- bd
	}()
	ad, err := api.DialData(a, port, time.Second)
	require.NoError(t, err)
	bd := <-accepted
	require.NotNil(t, bd)
	assert.True(t, a.Descriptor().IsConnected())
	assert.True(t, b.Descriptor().IsConnected())
	assert.Equal(t, port, a.Descriptor().RemoteAddress().Port)

	errC := make(chan error, 1)
	go func() {
		errC <- (&api.BlockTransfer{Channel: bd, Record: &common.TransferRecord{BlockSize: 1024}, Path: dst, Timeout: time.Second}).Receive()
	}()
	require.NoError(t, (&api.BlockTransfer{Channel: ad, Record: &common.TransferRecord{BlockSize: 1024}, Path: src, Timeout: time.Second}).Send())
	require.NoError(t, <-errC)
	got, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	// the control channels go on with the end of request
	require.NoError(t, a.Session().CompleteDataPhase())
	require.NoError(t, b.Session().CompleteDataPhase())
	require.NoError(t, a.Send(&common.Header{Operation: common.OPERATION_END_REQUEST}, nil))
	h, _, err := b.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.OPERATION_END_REQUEST, h.Operation)

	ad.Close()
	bd.Close()
	assert.False(t, a.Descriptor().IsConnected())
	assert.False(t, b.Descriptor().IsConnected())
	assert.Equal(t, 0, ports.InUse())
}

func TestAcceptDataTimeout(t *testing.T) {
	ports, err := reg.NewPortRange(41210, 41219)
	require.NoError(t, err)
	_, b := validated(t)
	l, _, err := api.ListenPassive(b, ports)
	require.NoError(t, err)
	_, err = api.AcceptData(b, l, 20*time.Millisecond)
	assert.Error(t, err)
	assert.False(t, b.Descriptor().IsBind())
	assert.Equal(t, 0, ports.InUse())
}

func TestDataPortAndLocalPeer(t *testing.T) {
	assert.Equal(t, 4000, api.DataPort(map[string]string{"dataPort": "4000"}))
	assert.Equal(t, 0, api.DataPort(map[string]string{}))
	assert.Equal(t, 0, api.DataPort(map[string]string{"dataPort": "70000"}))

	a, _ := api.NewChannelPair("a", "b")
	assert.False(t, api.IsLocalPeer(a))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if c, err := l.Accept(); err == nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	ch := api.NewTCPChannel(conn, nil)
	defer ch.Close()
	assert.True(t, api.IsLocalPeer(ch))
}

func TestConnectorGivesUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := l.Addr().String()
	l.Close()

	c := &api.Connector{HostId: "a", Retry: 3, Delay: 5 * time.Millisecond, DialTimeout: 100 * time.Millisecond}
	start := time.Now()
	ch, err := c.CreateConnectionWithRetry(context.Background(), address, false)
	assert.Nil(t, ch)
	assert.Equal(t, api.ErrNoConnection, err)
	assert.True(t, time.Since(start) >= 10*time.Millisecond)
}

func TestConnectorContextCanceled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &api.Connector{HostId: "a", Retry: 5, Delay: time.Hour, DialTimeout: 100 * time.Millisecond}
	_, err = c.CreateConnectionWithRetry(ctx, address, false)
	assert.Equal(t, context.Canceled, err)
}
