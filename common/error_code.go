package common

import (
	"errors"

	"github.com/hetianyi/gox/convert"
)

// ErrorCode classifies the outcome of a transfer or a control request.
// The zero value Unknown means "no explicit result".
type ErrorCode byte

const (
	Unknown ErrorCode = iota
	InitOk
	PreProcessingOk
	TransferOk
	CompleteOk
	Running
	QueryStillRunning
	QueryAlreadyFinished
	QueryRemotelyUnknown
	RemoteError
	PassThroughMode
	ServerOverloaded
	ConnectionImpossible
	NotKnownHost
	LoopSelfRequestedHost
	BadAuthent
	StoppedTransfer
	CanceledTransfer
	TransferNotFound
	HostNotFound
	TransferError
	Internal
)

var codeMessages = map[ErrorCode]string{
	Unknown:               "no result",
	InitOk:                "request validated",
	PreProcessingOk:       "restarted",
	TransferOk:            "transfer already finished",
	CompleteOk:            "complete ok",
	Running:               "transfer is running",
	QueryStillRunning:     "transfer is still active",
	QueryAlreadyFinished:  "transfer already finished on remote host",
	QueryRemotelyUnknown:  "transfer unknown on remote host",
	RemoteError:           "remote error",
	PassThroughMode:       "pass-through transfer cannot be restarted",
	ServerOverloaded:      "server overloaded",
	ConnectionImpossible:  "connection impossible",
	NotKnownHost:          "host not known",
	LoopSelfRequestedHost: "requester and requested host are the same",
	BadAuthent:            "authentication failed",
	StoppedTransfer:       "transfer stopped",
	CanceledTransfer:      "transfer canceled",
	TransferNotFound:      "transfer not found",
	HostNotFound:          "host authentication not found",
	TransferError:         "transfer error",
	Internal:              "internal error",
}

func (c ErrorCode) String() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return "code(" + convert.IntToStr(int(c)) + ")"
}

// TransferFailure is the classified failure crossing component boundaries.
type TransferFailure struct {
	Code ErrorCode
	Msg  string
}

func (e *TransferFailure) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// NewFailure creates a classified failure.
func NewFailure(code ErrorCode, msg string) *TransferFailure {
	return &TransferFailure{Code: code, Msg: msg}
}

// CodeOf extracts the ErrorCode carried by err, Internal for unclassified errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Unknown
	}
	var te *TransferFailure
	if errors.As(err, &te) {
		return te.Code
	}
	return Internal
}
