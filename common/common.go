package common

const (
	VERSION                   = "1.0.0"
	HOST_ID_PATTERN           = "^[0-9a-zA-Z-_.]{1,64}$"
	SECRET_PATTERN            = "^[^@]{1,30}$"
	SERVER_PATTERN            = "^([^@:]+):([1-9][0-9]{0,4})$"
	PORT_RANGE_PATTERN        = "^([1-9][0-9]{0,4})-([1-9][0-9]{0,4})$"
	DEFAULT_PORT              = 6666
	DEFAULT_BLOCK_SIZE        = 1 << 16 // 64k
	DEFAULT_CHECKPOINT_BLOCKS = 16
	DEFAULT_RANK_RESTART      = 30
	DEFAULT_RETRY_LIMIT       = 3
	DEFAULT_CONNECT_RETRY     = 3
	DEFAULT_MAX_ACTIVE        = 100
	BUCKET_KEY_TRANSFERS      = "transfers"
	BUCKET_KEY_HOSTS          = "hosts"
	ENV_PREFIX                = "GOMFT_"
)

// tcp operation codes
const (
	OPERATION_CONNECT      Operation = iota // authentication
	OPERATION_REQUEST                       // transfer request or its validation
	OPERATION_VALID                         // generic query, used for restart
	OPERATION_CANCEL                        // cancel a transfer
	OPERATION_STOP                          // stop a transfer
	OPERATION_DATA                          // one block
	OPERATION_END_TRANSFER                  // end of data phase
	OPERATION_END_REQUEST                   // final handshake
	OPERATION_ERROR                         // fatal error, carries the code
	OPERATION_COMMAND                       // local operator command, executed by the running host
)

// transfer steps
const (
	STEP_NONE Step = iota
	STEP_PRETASK
	STEP_TRANSFERTASK
	STEP_POSTTASK
	STEP_ALLDONE
	STEP_ERRORTASK
)

// record status (updated info)
const (
	STATUS_TOSUBMIT Status = iota
	STATUS_RUNNING
	STATUS_DONE
	STATUS_INERROR
	STATUS_INTERRUPTED
)

// transfer modes, seen from the requester.
const (
	MODE_SEND TransferMode = iota
	MODE_RECV
	MODE_SENDTHROUGH
	MODE_RECVTHROUGH
)

var operationNames = map[Operation]string{
	OPERATION_CONNECT:      "CONNECT",
	OPERATION_REQUEST:      "REQUEST",
	OPERATION_VALID:        "VALID",
	OPERATION_CANCEL:       "CANCEL",
	OPERATION_STOP:         "STOP",
	OPERATION_DATA:         "DATA",
	OPERATION_END_TRANSFER: "END_TRANSFER",
	OPERATION_END_REQUEST:  "END_REQUEST",
	OPERATION_ERROR:        "ERROR",
	OPERATION_COMMAND:      "COMMAND",
}

var stepNames = []string{"NONE", "PRETASK", "TRANSFERTASK", "POSTTASK", "ALLDONE", "ERRORTASK"}

var statusNames = []string{"TOSUBMIT", "RUNNING", "DONE", "INERROR", "INTERRUPTED"}

var modeNames = []string{"SEND", "RECV", "SENDTHROUGH", "RECVTHROUGH"}
