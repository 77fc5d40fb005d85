package session

type TransmissionMode byte

type Structure byte

type DataType byte

// Codec names the data encoding strategy derived from the transfer parameters.
type Codec byte

const (
	STREAM TransmissionMode = iota
	BLOCK
	COMPRESSED
)

const (
	FILE Structure = iota
	RECORD
)

const (
	ASCII DataType = iota
	EBCDIC
	IMAGE
)

const (
	CODEC_RAW Codec = iota
	CODEC_TEXT
	CODEC_RECORD
	CODEC_BLOCK
	CODEC_COMPRESSED
)

var codecNames = []string{"raw", "text", "record", "block", "compressed"}

func (c Codec) String() string {
	if int(c) < len(codecNames) {
		return codecNames[c]
	}
	return "unknown"
}

// Params are the negotiated transfer parameters of a session.
type Params struct {
	Mode      TransmissionMode
	Structure Structure
	Type      DataType
	codec     Codec
}

// DefaultParams is STREAM/FILE/IMAGE, a raw byte copy.
func DefaultParams() Params {
	p := Params{Mode: STREAM, Structure: FILE, Type: IMAGE}
	p.codec = computeCodec(p)
	return p
}

func (p Params) Codec() Codec {
	return p.codec
}

func (p Params) WithMode(m TransmissionMode) Params {
	p.Mode = m
	p.codec = computeCodec(p)
	return p
}

func (p Params) WithStructure(s Structure) Params {
	p.Structure = s
	p.codec = computeCodec(p)
	return p
}

func (p Params) WithType(t DataType) Params {
	p.Type = t
	p.codec = computeCodec(p)
	return p
}

func computeCodec(p Params) Codec {
	switch {
	case p.Mode == COMPRESSED:
		return CODEC_COMPRESSED
	case p.Mode == BLOCK:
		return CODEC_BLOCK
	case p.Structure == RECORD:
		return CODEC_RECORD
	case p.Type == IMAGE:
		return CODEC_RAW
	default:
		return CODEC_TEXT
	}
}
