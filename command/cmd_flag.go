package command

import (
	"errors"
	"fmt"
	"os"

	"github.com/hetianyi/gomft/common"
	"github.com/urfave/cli"
)

func configFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Value:       DEFAULT_CONFIG_FILE,
			Usage:       "use custom config file",
			Destination: &configFile,
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "",
			Usage: `set log level, available options:
	(trace|debug|info|warn|error|fatal)`,
			Destination: &logLevel,
		},
	}
}

// transferFlags are the flags identifying one transfer.
func transferFlags() []cli.Flag {
	return append(configFlags(),
		cli.Int64Flag{
			Name:        "id",
			Usage:       "transfer id",
			Destination: &transferId,
		},
		cli.StringFlag{
			Name:        "to",
			Usage:       "requested host, when this host requested the transfer",
			Destination: &toHost,
		},
		cli.StringFlag{
			Name:        "from",
			Usage:       "requester host, when the transfer was requested to this host",
			Destination: &fromHost,
		},
	)
}

func transferAction(cmd Command) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		finalCommand = cmd
		if transferId <= 0 {
			return errors.New("Err: no transfer id provided")
		}
		if (toHost == "") == (fromHost == "") {
			return errors.New("Err: exactly one of --to and --from is required")
		}
		return nil
	}
}

// Parse parses command flags using `github.com/urfave/cli`
func Parse(arguments []string) {
	appFlag := cli.NewApp()
	appFlag.Version = common.VERSION
	appFlag.HideVersion = true
	appFlag.Name = "gomft"
	appFlag.Usage = "managed file transfer"
	appFlag.HelpName = "gomft"
	appFlag.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:        "version, v",
			Usage:       `show version`,
			Destination: &showVersion,
		},
	}

	appFlag.Commands = []cli.Command{
		{
			Name:  "server",
			Usage: "start the transfer server",
			Action: func(c *cli.Context) error {
				finalCommand = BOOT_SERVER
				return nil
			},
			Flags: append(configFlags(),
				cli.StringFlag{
					Name:        "host-id",
					Value:       "",
					Usage:       "id of this host",
					Destination: &hostId,
				},
				cli.StringFlag{
					Name:        "secret, s",
					Value:       "",
					Usage:       "secret presented to remote hosts",
					Destination: &secret,
				},
				cli.StringFlag{
					Name:        "bind-address",
					Value:       "",
					Usage:       "bind listening address",
					Destination: &bindAddress,
				},
				cli.IntFlag{
					Name:        "port, p",
					Value:       0,
					Usage:       "server tcp port",
					Destination: &port,
				},
				cli.StringFlag{
					Name:        "data-dir",
					Value:       "",
					Usage:       "data directory",
					Destination: &dataDir,
				},
				cli.StringFlag{
					Name:        "log-dir",
					Value:       "",
					Usage:       "set log directory",
					Destination: &logDir,
				},
				cli.IntFlag{
					Name:  "max-logfile-size",
					Value: 0,
					Usage: `rolling log file max size, options:
	(0|64|128|256|512|1024)`,
					Destination: &maxLogfileSize,
				},
				cli.StringFlag{
					Name:        "log-rotation-interval",
					Value:       "",
					Usage:       "log rotation interval(h|d|m|y)",
					Destination: &logRotationInterval,
				},
				cli.BoolFlag{
					Name:        "disable-logfile",
					Usage:       "disable save log to file",
					Destination: &disableSaveLogfile,
				},
			),
		},
		{
			Name:  "host",
			Usage: "manage remote hosts",
			Subcommands: []cli.Command{
				{
					Name:  "add",
					Usage: "add or replace a remote host",
					Action: func(c *cli.Context) error {
						finalCommand = ADD_HOST
						if remoteHostId == "" {
							return errors.New("Err: no host id provided")
						}
						return nil
					},
					Flags: append(configFlags(),
						cli.StringFlag{
							Name:        "id",
							Usage:       "remote host id",
							Destination: &remoteHostId,
						},
						cli.StringFlag{
							Name:        "address, a",
							Usage:       "remote host address, example: host:port",
							Destination: &remoteAddress,
						},
						cli.StringFlag{
							Name:        "secret, s",
							Usage:       "secret the remote host presents",
							Destination: &remoteSecret,
						},
						cli.BoolFlag{
							Name:        "client",
							Usage:       "the remote host never accepts requests",
							Destination: &remoteClient,
						},
						cli.BoolFlag{
							Name:        "ssl",
							Usage:       "connect with tls",
							Destination: &remoteSsl,
						},
					),
				},
			},
		},
		{
			Name:  "submit",
			Usage: "submit a new transfer",
			Action: func(c *cli.Context) error {
				finalCommand = SUBMIT_TRANSFER
				if toHost == "" || transferFile == "" {
					return errors.New(`Err: no parameters provided.
Usage: gomft submit --to <host> --file <file> [--mode SEND|RECV|SENDTHROUGH|RECVTHROUGH]`)
				}
				if _, ok := common.ParseTransferMode(transferMode); !ok {
					return errors.New("Err: unknown transfer mode " + transferMode)
				}
				return nil
			},
			Flags: append(configFlags(),
				cli.StringFlag{
					Name:        "to",
					Usage:       "requested host",
					Destination: &toHost,
				},
				cli.StringFlag{
					Name:        "file, f",
					Usage:       "file to send or to receive",
					Destination: &transferFile,
				},
				cli.StringFlag{
					Name:        "rule, r",
					Usage:       "transfer rule",
					Destination: &transferRule,
				},
				cli.StringFlag{
					Name:        "mode, m",
					Value:       "SEND",
					Usage:       "transfer mode (SEND|RECV|SENDTHROUGH|RECVTHROUGH)",
					Destination: &transferMode,
				},
				cli.IntFlag{
					Name:        "block-size",
					Usage:       "block size in bytes",
					Destination: &blockSize,
				},
				cli.BoolFlag{
					Name:        "wait, w",
					Usage:       "run the transfer now and wait for its end",
					Destination: &waitTransfer,
				},
				cli.IntFlag{
					Name:        "timeout, t",
					Value:       0,
					Usage:       "seconds to wait with --wait, 0 waits forever",
					Destination: &waitTimeout,
				},
			),
		},
		{
			Name:   "query",
			Usage:  "print the status of a transfer",
			Action: transferAction(QUERY_TRANSFER),
			Flags:  transferFlags(),
		},
		{
			Name:   "cancel",
			Usage:  "cancel a transfer",
			Action: transferAction(CANCEL_TRANSFER),
			Flags:  transferFlags(),
		},
		{
			Name:   "stop",
			Usage:  "stop a transfer, it may be restarted later",
			Action: transferAction(STOP_TRANSFER),
			Flags:  transferFlags(),
		},
		{
			Name:   "restart",
			Usage:  "restart a stopped or failed transfer",
			Action: transferAction(RESTART_TRANSFER),
			Flags:  transferFlags(),
		},
		{
			Name:  "history",
			Usage: "print the journaled states of transfers",
			Action: func(c *cli.Context) error {
				finalCommand = SHOW_HISTORY
				if toHost != "" && fromHost != "" {
					return errors.New("Err: --to and --from are exclusive")
				}
				return nil
			},
			Flags: transferFlags(),
		},
	}

	cli.AppHelpTemplate = `
Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}{{if .VisibleCommands}}

Commands:{{range .VisibleCategories}}
{{if .Name}}
   {{.Name}}:{{end}}{{range .VisibleCommands}}
     {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{end}}{{end}}{{if .VisibleFlags}}

Options:

   {{range $index, $option := .VisibleFlags}}{{if $index}}{{end}}{{$option}}
   {{end}}{{end}}
`

	cli.CommandHelpTemplate = `
Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}}{{if .VisibleFlags}} [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}

{{.Usage}}{{if .VisibleFlags}}

Options:

   {{range .VisibleFlags}}{{.}}
   {{end}}{{end}}
`

	cli.SubcommandHelpTemplate = `
Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} command{{if .VisibleFlags}} [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}

{{if .Description}}{{.Description}}{{else}}{{.Usage}}{{end}}

Commands:
{{range .VisibleCategories}}{{if .Name}}
   {{.Name}}:{{end}}{{range .VisibleCommands}}
     {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{end}}{{if .VisibleFlags}}

Options:

   {{range .VisibleFlags}}{{.}}
   {{end}}{{end}}
`

	appFlag.Action = func(c *cli.Context) error {
		if showVersion {
			cli.ShowVersion(c)
			os.Exit(0)
			return nil
		}
		cli.ShowAppHelp(c)
		os.Exit(0)
		return nil
	}

	err := appFlag.Run(arguments)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
		return
	}

	if finalCommand == SHOW_HELP {
		os.Exit(0)
	}

	if err := call(finalCommand); err != nil {
		cli.HandleExitCoder(err)
		fmt.Println(err)
		os.Exit(1)
	}
}
