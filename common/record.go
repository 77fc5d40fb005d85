package common

import (
	"strings"
	"time"

	"github.com/hetianyi/gox/convert"
)

// TransferRecord is the persisted unit of work.
// Every host keeps its own copy under the same (id, requester, requested) key,
// Owner tells which host the copy belongs to.
type TransferRecord struct {
	Id        int64        `json:"id"`
	RuleId    string       `json:"ruleId"`
	Requester string       `json:"requester"`
	Requested string       `json:"requested"`
	Owner     string       `json:"owner"`
	Filename  string       `json:"filename"`
	Mode      TransferMode `json:"mode"`
	BlockSize int          `json:"blockSize"`
	Rank      int          `json:"rank"`
	Step      Step         `json:"step"`
	Status    Status       `json:"status"`
	ErrorCode ErrorCode    `json:"errorCode"`
	Start     time.Time    `json:"start"`
	Stop      time.Time    `json:"stop"`
}

// RecordKey builds the lookup key of a record.
func RecordKey(id int64, requester, requested string) string {
	return strings.Join([]string{convert.Int64ToStr(id), requester, requested}, "|")
}

func (r *TransferRecord) Key() string {
	return RecordKey(r.Id, r.Requester, r.Requested)
}

// IsSelfRequested reports whether requester and requested are the same host.
func (r *TransferRecord) IsSelfRequested() bool {
	return r.Requester == r.Requested
}

// IsSender reports whether the owner of this copy sends the data.
func (r *TransferRecord) IsSender() bool {
	if r.Owner == r.Requester {
		return r.Mode.RequesterSends()
	}
	return !r.Mode.RequesterSends()
}

// RemoteHost returns the counterpart of the given host in this transfer.
func (r *TransferRecord) RemoteHost(local string) string {
	if local == r.Requested {
		return r.Requester
	}
	return r.Requested
}

// IsAllDone reports whether nothing is left to do for this record.
func (r *TransferRecord) IsAllDone() bool {
	return r.Step == STEP_ALLDONE || r.Status == STATUS_DONE
}

// IsFinished reports a status no error reconciliation may overwrite.
func (r *TransferRecord) IsFinished() bool {
	return r.Status == STATUS_DONE || r.Status == STATUS_INERROR || r.Status == STATUS_INTERRUPTED
}

// SetStep moves the step forward only.
func (r *TransferRecord) SetStep(step Step) {
	if step > r.Step {
		r.Step = step
	}
}

// ChangeStatus updates status and error code.
// A DONE record may only be re-marked DONE.
func (r *TransferRecord) ChangeStatus(status Status, code ErrorCode) bool {
	if r.Status == STATUS_DONE && status != STATUS_DONE {
		return false
	}
	r.Status = status
	r.ErrorCode = code
	if status == STATUS_DONE || status == STATUS_INERROR || status == STATUS_INTERRUPTED {
		r.Stop = time.Now()
	}
	return true
}

// SetAllDone marks the record successfully finished.
func (r *TransferRecord) SetAllDone() {
	r.SetStep(STEP_ALLDONE)
	r.ChangeStatus(STATUS_DONE, CompleteOk)
}

// Restart resets a finished or failed record so that it may be submitted again.
// The data phase keeps its rank, so a restarted transfer resumes.
func (r *TransferRecord) Restart() {
	if r.Step == STEP_ERRORTASK {
		r.Step = STEP_TRANSFERTASK
	}
	r.Status = STATUS_TOSUBMIT
	r.ErrorCode = Unknown
}

// Attributes builds the identity attributes of control packets:
// "requested requester id".
func (r *TransferRecord) Attributes() map[string]string {
	return map[string]string{
		"requested": r.Requested,
		"requester": r.Requester,
		"id":        convert.Int64ToStr(r.Id),
	}
}

// RequestAttributes builds the attributes of a REQUEST packet.
func (r *TransferRecord) RequestAttributes() map[string]string {
	ats := r.Attributes()
	ats["rule"] = r.RuleId
	ats["file"] = r.Filename
	ats["mode"] = convert.IntToStr(int(r.Mode))
	ats["blockSize"] = convert.IntToStr(r.BlockSize)
	ats["rank"] = convert.IntToStr(r.Rank)
	return ats
}

// RecordFromAttributes rebuilds the identity and request parameters of a record
// from packet attributes. Missing parameters keep their zero value.
func RecordFromAttributes(ats map[string]string) (*TransferRecord, error) {
	id, err := convert.StrToInt64(ats["id"])
	if err != nil {
		return nil, NewFailure(TransferError, "invalid transfer id \""+ats["id"]+"\"")
	}
	if ats["requester"] == "" || ats["requested"] == "" {
		return nil, NewFailure(TransferError, "missing requester or requested host")
	}
	r := &TransferRecord{
		Id:        id,
		Requester: ats["requester"],
		Requested: ats["requested"],
		RuleId:    ats["rule"],
		Filename:  ats["file"],
	}
	if v, err := convert.StrToInt(ats["mode"]); err == nil {
		r.Mode = TransferMode(v)
	}
	if v, err := convert.StrToInt(ats["blockSize"]); err == nil {
		r.BlockSize = v
	}
	if v, err := convert.StrToInt(ats["rank"]); err == nil && v > 0 {
		r.Rank = v
	}
	return r, nil
}
