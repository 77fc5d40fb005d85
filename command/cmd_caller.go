package command

import (
	"github.com/hetianyi/gomft/control"
	"github.com/hetianyi/gomft/svc"
)

// call calls handler function due to command.
func call(cmd Command) error {
	switch cmd {
	case BOOT_SERVER:
		config, err := ConfigAssembly()
		if err != nil {
			return err
		}
		return svc.Boot(config)
	case ADD_HOST:
		return handleAddHost()
	case SUBMIT_TRANSFER:
		return handleSubmit()
	case QUERY_TRANSFER:
		return handleControl(control.Query)
	case CANCEL_TRANSFER:
		return handleControl(control.Cancel)
	case STOP_TRANSFER:
		return handleControl(control.Stop)
	case RESTART_TRANSFER:
		return handleControl(control.Restart)
	case SHOW_HISTORY:
		return handleHistory()
	}
	return nil
}
