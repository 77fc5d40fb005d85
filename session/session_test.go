package session_test

import (
	"errors"
	"testing"

	"github.com/hetianyi/gomft/common"
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

func ok() error { return nil }

func requesterAuthenticated(t *testing.T) *session.Session {
	s := session.New("r")
	require.NoError(t, s.Send(common.OPERATION_CONNECT, ok))
	require.NoError(t, s.Receive(common.OPERATION_CONNECT))
	require.Equal(t, session.AUTHENTICATED, s.State())
	return s
}

func TestDataRejectedBeforeValidation(t *testing.T) {
	s := requesterAuthenticated(t)
	require.NoError(t, s.Send(common.OPERATION_REQUEST, ok))
	assert.Equal(t, session.REQUESTR, s.State())

	err := s.Receive(common.OPERATION_DATA)
	var unexpected *session.UnexpectedPacketError
	require.True(t, errors.As(err, &unexpected))
	assert.Equal(t, session.REQUESTR, unexpected.State)
	assert.Equal(t, common.OPERATION_DATA, unexpected.Operation)
	assert.Equal(t, session.ERROR, s.State())
}

func TestWriteFailureRollsBackToError(t *testing.T) {
	s := requesterAuthenticated(t)
	err := s.Send(common.OPERATION_REQUEST, func() error { return errors.New("broken pipe") })
	assert.EqualError(t, err, "broken pipe")
	assert.Equal(t, session.ERROR, s.State())
}

func TestRequesterPushSequence(t *testing.T) {
	s := requesterAuthenticated(t)
	steps := []struct {
		send  bool
		op    common.Operation
		state session.State
	}{
		{true, common.OPERATION_REQUEST, session.REQUESTR},
		{false, common.OPERATION_REQUEST, session.REQUESTD},
		{true, common.OPERATION_DATA, session.DATAS},
		{true, common.OPERATION_DATA, session.DATAS},
		{true, common.OPERATION_END_TRANSFER, session.ENDTRANSFERS},
		{false, common.OPERATION_END_TRANSFER, session.ENDTRANSFERR},
		{true, common.OPERATION_END_REQUEST, session.ENDREQUESTS},
		{false, common.OPERATION_END_REQUEST, session.ENDREQUESTR},
	}
	for _, st := range steps {
		if st.send {
			require.NoError(t, s.Send(st.op, ok), st.op.String())
		} else {
			require.NoError(t, s.Receive(st.op), st.op.String())
		}
		assert.Equal(t, st.state, s.State(), st.op.String())
	}
	s.Close()
	assert.Equal(t, session.CLOSED, s.State())
	assert.Error(t, s.Receive(common.OPERATION_CANCEL))
	assert.Equal(t, session.CLOSED, s.State())
}

func TestRequestedPullSequence(t *testing.T) {
	s := session.New("d")
	steps := []struct {
		send  bool
		op    common.Operation
		state session.State
	}{
		{false, common.OPERATION_CONNECT, session.AUTHENTICATED},
		{true, common.OPERATION_CONNECT, session.AUTHENTICATED},
		{false, common.OPERATION_REQUEST, session.REQUESTD},
		{true, common.OPERATION_REQUEST, session.REQUESTD},
		{true, common.OPERATION_DATA, session.DATAS},
		{true, common.OPERATION_END_TRANSFER, session.ENDTRANSFERS},
		{false, common.OPERATION_END_TRANSFER, session.ENDTRANSFERR},
		{false, common.OPERATION_END_REQUEST, session.ENDREQUESTR},
		{true, common.OPERATION_END_REQUEST, session.ENDREQUESTR},
	}
	for _, st := range steps {
		if st.send {
			require.NoError(t, s.Send(st.op, ok), st.op.String())
		} else {
			require.NoError(t, s.Receive(st.op), st.op.String())
		}
		assert.Equal(t, st.state, s.State(), st.op.String())
	}
}

func TestPostTaskReplay(t *testing.T) {
	s := requesterAuthenticated(t)
	require.NoError(t, s.Send(common.OPERATION_END_REQUEST, ok))
	assert.Equal(t, session.ENDREQUESTS, s.State())
	require.NoError(t, s.Receive(common.OPERATION_END_REQUEST))
	assert.Equal(t, session.ENDREQUESTR, s.State())
}

func TestCancelAllowedInError(t *testing.T) {
	s := requesterAuthenticated(t)
	s.Fail()
	assert.Error(t, s.Send(common.OPERATION_DATA, ok))
	assert.NoError(t, s.Send(common.OPERATION_CANCEL, ok))
	assert.NoError(t, s.Receive(common.OPERATION_STOP))
	assert.Equal(t, session.ERROR, s.State())
}

func TestControlPacketInterruptsDataPhase(t *testing.T) {
	s := requesterAuthenticated(t)
	require.NoError(t, s.Send(common.OPERATION_REQUEST, ok))
	require.NoError(t, s.Receive(common.OPERATION_REQUEST))
	require.NoError(t, s.Receive(common.OPERATION_DATA))
	require.NoError(t, s.Receive(common.OPERATION_STOP))
	assert.Equal(t, session.VALIDOTHER, s.State())
}

func TestNothingBeforeConnect(t *testing.T) {
	for _, op := range []common.Operation{common.OPERATION_REQUEST, common.OPERATION_VALID,
		common.OPERATION_DATA, common.OPERATION_END_REQUEST} {
		s := session.New("x")
		assert.Error(t, s.Receive(op), op.String())
		assert.Equal(t, session.ERROR, s.State(), op.String())
	}
}

func TestParamsRecomputeCodec(t *testing.T) {
	s := session.New("p")
	assert.Equal(t, session.CODEC_RAW, s.Params().Codec())

	s.SetParams(s.Params().WithType(session.ASCII))
	assert.Equal(t, session.CODEC_TEXT, s.Params().Codec())

	s.SetParams(s.Params().WithStructure(session.RECORD))
	assert.Equal(t, session.CODEC_RECORD, s.Params().Codec())

	s.SetParams(s.Params().WithMode(session.BLOCK))
	assert.Equal(t, session.CODEC_BLOCK, s.Params().Codec())

	p := s.Params()
	p.Mode = session.COMPRESSED
	s.SetParams(p)
	assert.Equal(t, session.CODEC_COMPRESSED, s.Params().Codec())
}

func TestDataPhaseOnSeparateConnection(t *testing.T) {
	control := requesterAuthenticated(t)
	require.NoError(t, control.Send(common.OPERATION_REQUEST, ok))
	require.NoError(t, control.Receive(common.OPERATION_REQUEST))

	data := session.NewDataSession("d", control.Params())
	assert.Equal(t, session.REQUESTD, data.State())
	require.NoError(t, data.Send(common.OPERATION_DATA, ok))
	require.NoError(t, data.Send(common.OPERATION_END_TRANSFER, ok))
	require.NoError(t, data.Receive(common.OPERATION_END_TRANSFER))

	require.NoError(t, control.CompleteDataPhase())
	assert.Equal(t, session.ENDTRANSFERR, control.State())
	require.NoError(t, control.Send(common.OPERATION_END_REQUEST, ok))
	require.NoError(t, control.Receive(common.OPERATION_END_REQUEST))
	assert.Equal(t, session.ENDREQUESTR, control.State())

	// only once, and only after validation
	assert.Error(t, control.CompleteDataPhase())
	assert.Error(t, requesterAuthenticated(t).CompleteDataPhase())
}

func TestOperatorCommand(t *testing.T) {
	s := requesterAuthenticated(t)
	require.NoError(t, s.Send(common.OPERATION_COMMAND, ok))
	require.NoError(t, s.Receive(common.OPERATION_COMMAND))
	assert.Equal(t, session.VALIDOTHER, s.State())

	// never in the middle of a transfer
	busy := requesterAuthenticated(t)
	require.NoError(t, busy.Send(common.OPERATION_REQUEST, ok))
	assert.Error(t, busy.Send(common.OPERATION_COMMAND, ok))
}
