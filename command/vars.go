package command

const (
	SHOW_HELP Command = iota
	BOOT_SERVER
	ADD_HOST
	SUBMIT_TRANSFER
	QUERY_TRANSFER
	CANCEL_TRANSFER
	STOP_TRANSFER
	RESTART_TRANSFER
	SHOW_HISTORY
)

type Command uint32

const DEFAULT_CONFIG_FILE = "~/.gomft/gomft.json"

var finalCommand Command
