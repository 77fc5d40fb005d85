package command

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/binlog"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/control"
	"github.com/hetianyi/gomft/runner"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gomft/svc"
	"github.com/hetianyi/gomft/util"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	json "github.com/json-iterator/go"
	"github.com/logrusorgru/aurora"
	"github.com/urfave/cli"
)

// ConfigAssembly loads the config file and applies the command line flags over it.
func ConfigAssembly() (*common.Config, error) {
	c, err := util.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if hostId != "" {
		c.HostId = hostId
	}
	if secret != "" {
		c.Secret = secret
	}
	if bindAddress != "" {
		c.BindAddress = bindAddress
	}
	if port > 0 {
		c.Port = port
	}
	if dataDir != "" {
		c.DataDir = dataDir
	}
	if logDir != "" {
		c.LogDir = logDir
	}
	if maxLogfileSize > 0 {
		c.MaxRollingLogfileSize = maxLogfileSize
	}
	if logRotationInterval != "" {
		c.LogRotationInterval = logRotationInterval
	}
	if disableSaveLogfile {
		c.SaveLog2File = false
	}
	if err := util.ValidateConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// openStore opens the store of this host, it is locked while the server runs.
func openStore(c *common.Config) (*store.BoltStore, error) {
	s, err := svc.OpenStore(c)
	if err != nil {
		return nil, fmt.Errorf("cannot open store of host %s: %v", c.HostId, err)
	}
	return s, nil
}

// hostChannel connects to the running host of this configuration as its operator.
// It returns nil when no host runs, the store is then opened directly.
func hostChannel(c *common.Config) (api.PacketChannel, error) {
	ch, err := svc.DialHost(c)
	if err == api.ErrNoConnection {
		logger.Debug("no host running on ", svc.OperatorAddress(c), ", use the store")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("host %s refused the operator: %v", c.HostId, err)
	}
	return ch, nil
}

// exitOf prints a command reply and converts it to the exit status of the command.
func exitOf(reply *svc.CommandReply) error {
	if reply.Success {
		fmt.Println(aurora.Green(reply.Message), "(", reply.Code, ")")
		if reply.ExitCode != 0 {
			return cli.NewExitError("", reply.ExitCode)
		}
		return nil
	}
	logger.Debug("command failed with code ", reply.Code)
	return cli.NewExitError(fmt.Sprint(aurora.Red(reply.Message), " (", reply.Code, ")"), reply.ExitCode)
}

func handleAddHost() error {
	c, err := ConfigAssembly()
	if err != nil {
		return err
	}
	host := &common.HostAuth{
		HostId:   remoteHostId,
		Address:  remoteAddress,
		Secret:   remoteSecret,
		IsClient: remoteClient,
		IsSsl:    remoteSsl,
	}
	if err := util.CheckHost(host); err != nil {
		return err
	}
	ch, err := hostChannel(c)
	if err != nil {
		return err
	}
	if ch != nil {
		defer ch.Close()
		reply, err := svc.SendCommand(ch, svc.HostCommand(host), common.Millis(c.Timeout))
		if err != nil {
			return err
		}
		return exitOf(reply)
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.PutHost(host); err != nil {
		return err
	}
	fmt.Println(aurora.Green("host " + host.HostId + " saved"))
	return nil
}

func handleSubmit() error {
	c, err := ConfigAssembly()
	if err != nil {
		return err
	}
	mode, _ := common.ParseTransferMode(transferMode)
	if mode.RequesterSends() {
		path := transferFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.DataDir, path)
		}
		if !file.Exists(path) {
			return cli.NewExitError("file not found: "+path, 4)
		}
	}
	if blockSize <= 0 {
		blockSize = c.BlockSize
	}
	rec := &common.TransferRecord{
		RuleId:    transferRule,
		Requester: c.HostId,
		Requested: toHost,
		Owner:     c.HostId,
		Filename:  transferFile,
		Mode:      mode,
		BlockSize: blockSize,
	}
	ch, err := hostChannel(c)
	if err != nil {
		return err
	}
	if ch != nil {
		reply, err := svc.SendCommand(ch, svc.SubmitCommand(rec), common.Millis(c.Timeout))
		ch.Close()
		if err != nil {
			return err
		}
		if !reply.Success || reply.Record == nil {
			return exitOf(reply)
		}
		fmt.Println(aurora.Green("transfer submitted: "), reply.Record.Id)
		if !waitTransfer {
			return nil
		}
		return awaitOnHost(c, reply.Record)
	}

	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Submit(rec); err != nil {
		return err
	}
	fmt.Println(aurora.Green("transfer submitted: "), rec.Id)
	if !waitTransfer {
		return nil
	}

	journal, err := svc.OpenBinlog(c)
	if err != nil {
		return err
	}
	defer journal.Close()
	r := runner.NewRunner(runner.ConfigFrom(c), binlog.NewJournaledStore(s, journal), s, api.NewConnector(c, nil))
	future := r.Submit(context.Background(), rec)
	res, ok := future.Await(time.Duration(waitTimeout) * time.Second)
	if !ok {
		return cli.NewExitError("transfer still running, use query or stop", 3)
	}
	printRecord(res.Record)
	if !res.Success {
		return cli.NewExitError(fmt.Sprint("transfer failed: ", res.Code), 4)
	}
	return nil
}

// awaitOnHost polls the running host until the transfer rec is finished.
func awaitOnHost(c *common.Config, rec *common.TransferRecord) error {
	var deadline time.Time
	if waitTimeout > 0 {
		deadline = time.Now().Add(time.Duration(waitTimeout) * time.Second)
	}
	req := control.Request{Id: rec.Id, Requester: rec.Requester, Requested: rec.Requested, Intent: control.Query}
	for {
		reply, err := executeControl(c, req)
		if err != nil {
			return err
		}
		if r := reply.Record; r != nil && finished(r) {
			printRecord(r)
			if r.Status != common.STATUS_DONE {
				return cli.NewExitError(fmt.Sprint("transfer failed: ", r.ErrorCode), 4)
			}
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return cli.NewExitError("transfer still running, use query or stop", 3)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// finished reports a final state, an overloaded remote host is retried by the runner.
func finished(rec *common.TransferRecord) bool {
	if rec.Status == common.STATUS_INERROR && rec.ErrorCode == common.ServerOverloaded {
		return false
	}
	return rec.IsFinished()
}

// executeControl runs a control request on the running host, or on the store when none runs.
func executeControl(c *common.Config, req control.Request) (*svc.CommandReply, error) {
	ch, err := hostChannel(c)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		defer ch.Close()
		return svc.SendCommand(ch, svc.ControlCommand(req), svc.CommandTimeout(c))
	}
	s, err := openStore(c)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	controller := control.NewController(c.HostId, s, s, api.NewConnector(c, nil), common.Millis(c.Timeout))
	return svc.ReplyOf(controller.Execute(context.Background(), req)), nil
}

func handleControl(intent control.Intent) error {
	c, err := ConfigAssembly()
	if err != nil {
		return err
	}
	req := control.Request{Id: transferId, Intent: intent}
	if toHost != "" {
		req.Requester, req.Requested = c.HostId, toHost
	} else {
		req.Requester, req.Requested = fromHost, c.HostId
	}
	reply, err := executeControl(c, req)
	if err != nil {
		return err
	}
	if reply.Record != nil && intent == control.Query {
		printRecord(reply.Record)
	}
	return exitOf(reply)
}

// handleHistory prints the journal of one transfer, or of every transfer when no id is given.
func handleHistory() error {
	c, err := ConfigAssembly()
	if err != nil {
		return err
	}
	journal, err := svc.OpenBinlog(c)
	if err != nil {
		return err
	}
	defer journal.Close()
	key := ""
	if transferId > 0 {
		if toHost != "" {
			key = common.RecordKey(transferId, c.HostId, toHost)
		} else if fromHost != "" {
			key = common.RecordKey(transferId, fromHost, c.HostId)
		} else {
			return errors.New("Err: one of --to and --from is required with --id")
		}
	}
	events, err := journal.History(key)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Println(time.Unix(0, e.Time*int64(time.Millisecond)).Format("2006-01-02 15:04:05.000"),
			e.Key(), e.Owner, e.Step, e.Status, e.Code, "rank", e.Rank)
	}
	if len(events) == 0 {
		fmt.Println(aurora.Yellow("no journaled events"))
	}
	return nil
}

func printRecord(rec *common.TransferRecord) {
	if rec == nil {
		return
	}
	bs, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(bs))
}
