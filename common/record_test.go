package common_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hetianyi/gomft/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeStatusKeepsDone(t *testing.T) {
	rec := &common.TransferRecord{}
	assert.True(t, rec.ChangeStatus(common.STATUS_RUNNING, common.Unknown))
	rec.SetAllDone()
	assert.Equal(t, common.STEP_ALLDONE, rec.Step)
	assert.Equal(t, common.CompleteOk, rec.ErrorCode)
	assert.False(t, rec.Stop.IsZero())

	assert.False(t, rec.ChangeStatus(common.STATUS_INERROR, common.Internal))
	assert.Equal(t, common.STATUS_DONE, rec.Status)
	assert.Equal(t, common.CompleteOk, rec.ErrorCode)
	assert.True(t, rec.ChangeStatus(common.STATUS_DONE, common.TransferOk))
}

func TestSetStepMovesForward(t *testing.T) {
	rec := &common.TransferRecord{Step: common.STEP_POSTTASK}
	rec.SetStep(common.STEP_PRETASK)
	assert.Equal(t, common.STEP_POSTTASK, rec.Step)
	rec.SetStep(common.STEP_ALLDONE)
	assert.Equal(t, common.STEP_ALLDONE, rec.Step)
}

func TestRestart(t *testing.T) {
	rec := &common.TransferRecord{Rank: 12, Step: common.STEP_ERRORTASK, Status: common.STATUS_INERROR, ErrorCode: common.TransferError}
	rec.Restart()
	assert.Equal(t, common.STEP_TRANSFERTASK, rec.Step)
	assert.Equal(t, common.STATUS_TOSUBMIT, rec.Status)
	assert.Equal(t, common.Unknown, rec.ErrorCode)
	assert.Equal(t, 12, rec.Rank)
}

func TestSides(t *testing.T) {
	cases := []struct {
		mode      common.TransferMode
		owner     string
		sender    bool
		streaming bool
	}{
		{common.MODE_SEND, "a", true, false},
		{common.MODE_SEND, "b", false, false},
		{common.MODE_RECV, "a", false, false},
		{common.MODE_RECV, "b", true, false},
		{common.MODE_SENDTHROUGH, "a", true, true},
		{common.MODE_RECVTHROUGH, "b", true, true},
	}
	for _, c := range cases {
		rec := &common.TransferRecord{Requester: "a", Requested: "b", Owner: c.owner, Mode: c.mode}
		assert.Equal(t, c.sender, rec.IsSender(), fmt.Sprint(c.mode, " owned by ", c.owner))
		assert.Equal(t, c.streaming, rec.Mode.IsPassThrough())
	}
	rec := &common.TransferRecord{Requester: "a", Requested: "b"}
	assert.Equal(t, "b", rec.RemoteHost("a"))
	assert.Equal(t, "a", rec.RemoteHost("b"))
	assert.False(t, rec.IsSelfRequested())
}

func TestRecordFromAttributes(t *testing.T) {
	rec := &common.TransferRecord{Id: 5, RuleId: "r", Requester: "a", Requested: "b",
		Filename: "f.bin", Mode: common.MODE_RECV, BlockSize: 512, Rank: 3}
	parsed, err := common.RecordFromAttributes(rec.RequestAttributes())
	require.NoError(t, err)
	assert.Equal(t, rec.Key(), parsed.Key())
	assert.Equal(t, "r", parsed.RuleId)
	assert.Equal(t, "f.bin", parsed.Filename)
	assert.Equal(t, common.MODE_RECV, parsed.Mode)
	assert.Equal(t, 512, parsed.BlockSize)
	assert.Equal(t, 3, parsed.Rank)

	// control attributes carry the identity only
	parsed, err = common.RecordFromAttributes(rec.Attributes())
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Rank)

	_, err = common.RecordFromAttributes(map[string]string{"id": "x", "requester": "a", "requested": "b"})
	assert.Equal(t, common.TransferError, common.CodeOf(err))
	_, err = common.RecordFromAttributes(map[string]string{"id": "1", "requester": "a"})
	assert.Error(t, err)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, common.Unknown, common.CodeOf(nil))
	assert.Equal(t, common.Internal, common.CodeOf(errors.New("boom")))
	wrapped := fmt.Errorf("dial: %w", common.NewFailure(common.BadAuthent, "secret"))
	assert.Equal(t, common.BadAuthent, common.CodeOf(wrapped))
	assert.Equal(t, "authentication failed: secret", errors.Unwrap(wrapped).Error())
}

func TestParseTransferMode(t *testing.T) {
	m, ok := common.ParseTransferMode(" recvthrough ")
	assert.True(t, ok)
	assert.Equal(t, common.MODE_RECVTHROUGH, m)
	_, ok = common.ParseTransferMode("push")
	assert.False(t, ok)
	assert.Equal(t, "STATUS(9)", common.Status(9).String())
}
