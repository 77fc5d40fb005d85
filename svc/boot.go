package svc

import (
	"context"
	"path/filepath"

	"github.com/hetianyi/gomft/api"
	"github.com/hetianyi/gomft/binlog"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gomft/control"
	"github.com/hetianyi/gomft/reg"
	"github.com/hetianyi/gomft/runner"
	"github.com/hetianyi/gomft/store"
	"github.com/hetianyi/gomft/util"
	"github.com/hetianyi/gox/logger"
	json "github.com/json-iterator/go"
)

// Host is a running transfer host.
type Host struct {
	Store     *store.BoltStore
	Binlog    *binlog.Manager
	Runner    *runner.Runner
	Server    *Server
	Commander *Commander
	cancel    context.CancelFunc
}

// OpenBinlog opens the transfer journal of the host configured by c.
func OpenBinlog(c *common.Config) (*binlog.Manager, error) {
	return binlog.Open(filepath.Join(c.DataDir, "binlog"))
}

// OpenStore opens the database of the host configured by c.
func OpenStore(c *common.Config) (*store.BoltStore, error) {
	return store.Open(filepath.Join(c.DataDir, "gomft.db"))
}

// NewHost wires the components of a host. Hosts of the configuration are
// registered in the store.
func NewHost(c *common.Config) (*Host, error) {
	s, err := OpenStore(c)
	if err != nil {
		return nil, err
	}
	for i := range c.Hosts {
		if err := s.PutHost(&c.Hosts[i]); err != nil {
			s.Close()
			return nil, err
		}
	}
	var ports *reg.PortRange
	if c.ParsedPortMax > 0 {
		if ports, err = reg.NewPortRange(c.ParsedPortMin, c.ParsedPortMax); err != nil {
			s.Close()
			return nil, err
		}
	}
	journal, err := OpenBinlog(c)
	if err != nil {
		s.Close()
		return nil, err
	}
	transfers := binlog.NewJournaledStore(s, journal)
	ctx, cancel := context.WithCancel(context.Background())
	r := runner.NewRunner(runner.ConfigFrom(c), transfers, s, api.NewConnector(c, ports))
	server := NewServer(c, transfers, s, ports)
	commander := NewCommander(ctx, c.HostId, s, r)
	server.Resubmit = func(rec *common.TransferRecord) {
		commander.Submit(rec)
	}
	controller := control.NewController(c.HostId, transfers, s, api.NewConnector(c, ports), common.Millis(c.Timeout))
	server.Operator = NewOperator(c.HostId, c.BlockSize, s, controller, server)
	server.Operator.Resubmit = server.Resubmit
	return &Host{
		Store:     s,
		Binlog:    journal,
		Runner:    r,
		Server:    server,
		Commander: commander,
		cancel:    cancel,
	}, nil
}

// Boot validates the configuration, starts a host and blocks until it is shut down.
func Boot(c *common.Config) error {
	if err := util.ValidateConfig(c); err != nil {
		return err
	}
	cbs, _ := json.MarshalIndent(c, "", "  ")
	logger.Debug("\n", string(cbs))
	util.PrintLogo()

	h, err := NewHost(c)
	if err != nil {
		return err
	}
	util.RegisterShutdownHook(h.Close)
	h.Commander.Start(common.Millis(c.CommanderInterval))

	errC := make(chan error, 1)
	go func() {
		errC <- h.Server.ListenAndServe()
	}()
	go func() {
		util.WaitForShutdown()
		errC <- nil
	}()
	err = <-errC
	if err != nil {
		util.RunShutdownHooks()
	}
	return err
}

// Close stops accepting work and closes the store.
func (h *Host) Close() {
	h.Commander.Stop()
	h.Server.Shutdown()
	h.cancel()
	if err := h.Binlog.Close(); err != nil {
		logger.Error("cannot close binlog: ", err)
	}
	if err := h.Store.Close(); err != nil {
		logger.Error("cannot close store: ", err)
	}
}
