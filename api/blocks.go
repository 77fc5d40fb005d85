package api

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/session"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
)

// BlockTransfer runs the data phase of a transfer over a channel:
// blocks of Record.BlockSize bytes travel as DATA packets carrying their rank.
//
// Errors carrying an explicit result are *common.TransferFailure,
// any other error means the channel was lost.
type BlockTransfer struct {
	Channel          PacketChannel
	Record           *common.TransferRecord
	Path             string
	Timeout          time.Duration
	CheckpointBlocks int
	// Checkpoint persists the record, called every CheckpointBlocks blocks
	// and at the end of the data phase. A returned *common.TransferFailure
	// ends the data phase, the peer is sent the matching CANCEL or STOP.
	Checkpoint func(rec *common.TransferRecord) error
	// Abort delivers OPERATION_CANCEL or OPERATION_STOP requested locally.
	Abort <-chan common.Operation
}

func (b *BlockTransfer) blockSize() int {
	if b.Record.BlockSize <= 0 {
		b.Record.BlockSize = common.DEFAULT_BLOCK_SIZE
	}
	return b.Record.BlockSize
}

func (b *BlockTransfer) checkpoint(force bool) error {
	cp := b.CheckpointBlocks
	if cp <= 0 {
		cp = common.DEFAULT_CHECKPOINT_BLOCKS
	}
	if b.Checkpoint == nil || !(force || b.Record.Rank%cp == 0) {
		return nil
	}
	if err := b.Checkpoint(b.Record); err != nil {
		op := common.OPERATION_CANCEL
		if common.CodeOf(err) == common.StoppedTransfer {
			op = common.OPERATION_STOP
		}
		b.Channel.Send(&common.Header{Operation: op, Attributes: b.Record.Attributes()}, nil)
		return err
	}
	return nil
}

// codec checks the transfer parameters of the channel, blocks travel unencoded.
func (b *BlockTransfer) codec() error {
	if codec := b.Channel.Session().Params().Codec(); codec != session.CODEC_RAW {
		b.Channel.Send(&common.Header{Operation: common.OPERATION_ERROR, Code: common.TransferError, Msg: "unsupported codec " + codec.String()}, nil)
		return common.NewFailure(common.TransferError, "unsupported codec "+codec.String())
	}
	return nil
}

// aborted checks for a local abort request and forwards it to the peer.
func (b *BlockTransfer) aborted() error {
	if b.Abort == nil {
		return nil
	}
	select {
	case op := <-b.Abort:
		b.Channel.Send(&common.Header{Operation: op, Attributes: b.Record.Attributes()}, nil)
		return abortError(op, "aborted locally")
	default:
		return nil
	}
}

func abortError(op common.Operation, msg string) error {
	if op == common.OPERATION_STOP {
		return common.NewFailure(common.StoppedTransfer, msg)
	}
	return common.NewFailure(common.CanceledTransfer, msg)
}

// replyError classifies a packet the data phase did not expect.
func replyError(h *common.Header, err error) error {
	var unexpected *session.UnexpectedPacketError
	if errors.As(err, &unexpected) {
		return common.NewFailure(common.TransferError, err.Error())
	}
	switch h.Operation {
	case common.OPERATION_CANCEL, common.OPERATION_STOP:
		return abortError(h.Operation, "aborted by remote host")
	case common.OPERATION_ERROR:
		code := h.Code
		if code == common.Unknown {
			code = common.RemoteError
		}
		return common.NewFailure(code, h.Msg)
	}
	return common.NewFailure(common.TransferError, "unexpected packet "+h.Operation.String())
}

// Send streams the file from Record.Rank and waits for the end of transfer acknowledgement.
func (b *BlockTransfer) Send() error {
	if err := b.codec(); err != nil {
		return err
	}
	bs := b.blockSize()
	f, err := file.GetFile(b.Path)
	if err != nil {
		b.Channel.Send(&common.Header{Operation: common.OPERATION_ERROR, Code: common.TransferError, Msg: "file not found"}, nil)
		return common.NewFailure(common.TransferError, err.Error())
	}
	defer f.Close()
	if _, err := f.Seek(int64(b.Record.Rank)*int64(bs), io.SeekStart); err != nil {
		return common.NewFailure(common.TransferError, err.Error())
	}
	logger.Debug("sending ", b.Path, " from rank ", b.Record.Rank, " codec ", b.Channel.Session().Params().Codec())
	buffer := make([]byte, bs)
	for {
		if err := b.aborted(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(f, buffer)
		if n > 0 {
			err := b.Channel.Send(&common.Header{
				Operation:  common.OPERATION_DATA,
				Attributes: map[string]string{"rank": convert.IntToStr(b.Record.Rank)},
			}, buffer[:n])
			if err != nil {
				return err
			}
			b.Record.Rank++
			if err := b.checkpoint(false); err != nil {
				return err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return common.NewFailure(common.TransferError, rerr.Error())
		}
	}
	if err := b.checkpoint(true); err != nil {
		return err
	}
	err = b.Channel.Send(&common.Header{
		Operation:  common.OPERATION_END_TRANSFER,
		Attributes: map[string]string{"rank": convert.IntToStr(b.Record.Rank)},
	}, nil)
	if err != nil {
		return err
	}
	h, _, err := b.Channel.Receive(b.Timeout)
	if h == nil {
		return err
	}
	if err != nil || h.Operation != common.OPERATION_END_TRANSFER {
		return replyError(h, err)
	}
	return nil
}

// Receive writes incoming blocks at their rank until the end of transfer.
func (b *BlockTransfer) Receive() error {
	if err := b.codec(); err != nil {
		return err
	}
	bs := b.blockSize()
	dir := filepath.Dir(b.Path)
	if !file.Exists(dir) {
		if err := file.CreateDirs(dir); err != nil {
			return common.NewFailure(common.TransferError, err.Error())
		}
	}
	f, err := file.OpenFile(b.Path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		b.Channel.Send(&common.Header{Operation: common.OPERATION_ERROR, Code: common.TransferError, Msg: "cannot create file"}, nil)
		return common.NewFailure(common.TransferError, err.Error())
	}
	defer f.Close()
	logger.Debug("receiving ", b.Path, " from rank ", b.Record.Rank)
	end := int64(b.Record.Rank) * int64(bs)
	if info, err := f.Stat(); err == nil && info.Size() < end {
		end = info.Size()
	}
	for {
		if err := b.aborted(); err != nil {
			return err
		}
		h, body, err := b.Channel.Receive(b.Timeout)
		if h == nil {
			return err
		}
		if err != nil {
			b.Channel.Send(&common.Header{Operation: common.OPERATION_ERROR, Code: common.TransferError, Msg: err.Error()}, nil)
			return replyError(h, err)
		}
		switch h.Operation {
		case common.OPERATION_DATA:
			rank, cerr := convert.StrToInt(h.Attr("rank"))
			if cerr != nil || rank != b.Record.Rank {
				b.Channel.Send(&common.Header{Operation: common.OPERATION_ERROR, Code: common.TransferError, Msg: "block out of order"}, nil)
				return common.NewFailure(common.TransferError, "block "+h.Attr("rank")+" out of order, expect "+convert.IntToStr(b.Record.Rank))
			}
			offset := int64(rank) * int64(bs)
			if _, err := f.WriteAt(body, offset); err != nil {
				return common.NewFailure(common.TransferError, err.Error())
			}
			end = offset + int64(len(body))
			b.Record.Rank++
			if err := b.checkpoint(false); err != nil {
				return err
			}
		case common.OPERATION_END_TRANSFER:
			if err := f.Truncate(end); err != nil {
				return common.NewFailure(common.TransferError, err.Error())
			}
			if err := b.checkpoint(true); err != nil {
				return err
			}
			return b.Channel.Send(&common.Header{
				Operation:  common.OPERATION_END_TRANSFER,
				Code:       common.TransferOk,
				Attributes: map[string]string{"rank": convert.IntToStr(b.Record.Rank)},
			}, nil)
		default:
			return replyError(h, nil)
		}
	}
}
