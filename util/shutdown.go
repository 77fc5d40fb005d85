package util

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hetianyi/gox/logger"
)

var (
	hookLock      = new(sync.Mutex)
	shutdownHooks []func()
)

// RegisterShutdownHook adds a function run by WaitForShutdown, in reverse registration order.
func RegisterShutdownHook(hook func()) {
	hookLock.Lock()
	defer hookLock.Unlock()
	shutdownHooks = append(shutdownHooks, hook)
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then runs the shutdown hooks.
func WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	s := <-c
	logger.Info("received signal ", s, ", shutting down")
	RunShutdownHooks()
}

// RunShutdownHooks runs and clears the registered hooks.
func RunShutdownHooks() {
	hookLock.Lock()
	hooks := shutdownHooks
	shutdownHooks = nil
	hookLock.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
