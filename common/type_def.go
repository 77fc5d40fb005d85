package common

import (
	"strings"
	"time"

	"github.com/hetianyi/gox/convert"
)

type Operation byte

type Step byte

type Status byte

type TransferMode byte

func (o Operation) String() string {
	if n, ok := operationNames[o]; ok {
		return n
	}
	return "OPERATION(" + convert.IntToStr(int(o)) + ")"
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "STEP(" + convert.IntToStr(int(s)) + ")"
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "STATUS(" + convert.IntToStr(int(s)) + ")"
}

func (m TransferMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "MODE(" + convert.IntToStr(int(m)) + ")"
}

// ParseTransferMode parses SEND, RECV, SENDTHROUGH or RECVTHROUGH.
func ParseTransferMode(s string) (TransferMode, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return TransferMode(i), true
		}
	}
	return MODE_SEND, false
}

// RequesterSends reports whether the requester is the sending side.
func (m TransferMode) RequesterSends() bool {
	return m == MODE_SEND || m == MODE_SENDTHROUGH
}

// IsPassThrough reports a streaming mode which cannot be resumed mid-flight.
func (m TransferMode) IsPassThrough() bool {
	return m == MODE_SENDTHROUGH || m == MODE_RECVTHROUGH
}

// Header is the control packet header carried by every packet.
type Header struct {
	Operation  Operation         `json:"op"`
	Code       ErrorCode         `json:"code"`
	Msg        string            `json:"msg"`
	Attributes map[string]string `json:"ats"`
}

// Attr returns attribute value of the header, or "" if absent.
func (h *Header) Attr(key string) string {
	if h == nil || h.Attributes == nil {
		return ""
	}
	return h.Attributes[key]
}

// HostAuth is the stored authentication record of a remote host.
type HostAuth struct {
	HostId   string `json:"hostId"`
	Address  string `json:"address"`
	Secret   string `json:"secret"`
	IsClient bool   `json:"isClient"` // client only peers never accept inbound requests
	IsSsl    bool   `json:"isSsl"`
}

type Config struct {
	HostId                string     `json:"hostId"`
	Secret                string     `json:"secret"`
	BindAddress           string     `json:"bindAddress"`
	Port                  int        `json:"port"`
	DataDir               string     `json:"dataDir"`
	LogLevel              string     `json:"logLevel"`
	LogDir                string     `json:"logDir"`
	SaveLog2File          bool       `json:"saveLog2File"`
	MaxRollingLogfileSize int        `json:"maxRollingLogfileSize"`
	LogRotationInterval   string     `json:"logRotationInterval"`
	RetryLimit            int        `json:"retryLimit"`      // bound of the retry ledger
	RetryDelay            int        `json:"retryDelay"`      // ms, delay after a failed connection
	OverloadDelay         int        `json:"overloadDelay"`   // ms, backoff after ServerOverloaded
	ConnectRetry          int        `json:"connectRetry"`    // dial attempts per connection
	ConnectDelay          int        `json:"connectDelay"`    // ms between dial attempts
	DialTimeout           int        `json:"dialTimeout"`     // ms
	Timeout               int        `json:"timeout"`         // ms, reply timeout
	BlockSize             int        `json:"blockSize"`
	CheckpointBlocks      int        `json:"checkpointBlocks"`
	RankRestart           int        `json:"rankRestart"`
	MaxActiveTransfers    int        `json:"maxActiveTransfers"`
	PassivePortRange      string     `json:"passivePortRange"`
	PassiveData           bool       `json:"passiveData"` // request a separate data connection from the requested host
	CommanderInterval     int        `json:"commanderInterval"` // ms
	Hosts                 []HostAuth `json:"hosts"`
	ParsedPortMin         int        `json:"-"`
	ParsedPortMax         int        `json:"-"`
}

// Millis converts a millisecond config value to time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
