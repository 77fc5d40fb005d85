package command

// var sets
var (
	showVersion         bool   // show app version
	configFile          string // specified config file to be use
	logLevel            string // log level(trace, debug, info, warn, error, fatal)
	hostId              string // id of this host
	secret              string // secret presented to remote hosts
	bindAddress         string
	port                int
	dataDir             string
	logDir              string
	disableSaveLogfile  bool
	maxLogfileSize      int
	logRotationInterval string

	transferId    int64  // transfer id of control commands
	toHost        string // requested host, this host is the requester
	fromHost      string // requester host, this host is the requested one
	transferFile  string
	transferRule  string
	transferMode  string
	blockSize     int
	waitTransfer  bool
	waitTimeout   int // seconds
	remoteHostId  string
	remoteAddress string
	remoteSecret  string
	remoteClient  bool
	remoteSsl     bool
)
