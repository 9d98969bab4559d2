// Package osutil runs shutdown handlers on interrupt signals.
package osutil

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/neo4j/neo4j-sub208/pkg/logutil"
)

var logger = logutil.NewPackageLogger("osutil")

// InterruptHandler is called once an interrupt signal arrives.
type InterruptHandler func()

var (
	mu       sync.Mutex
	handlers []InterruptHandler
)

// RegisterInterruptHandler registers h. Handlers run in reverse order
// of registration.
func RegisterInterruptHandler(h InterruptHandler) {
	mu.Lock()
	handlers = append(handlers, h)
	mu.Unlock()
}

// HandleInterrupts runs the registered handlers on the first of sigs,
// then re-raises the signal so the process exits with the default
// disposition. The returned channel is closed once the handlers ran.
func HandleInterrupts(sigs ...os.Signal) <-chan struct{} {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	notifier := make(chan os.Signal, 1)
	signal.Notify(notifier, sigs...)

	donec := make(chan struct{})
	go func() {
		sig := <-notifier
		logger.Warningf("received %v, shutting down", sig)

		mu.Lock()
		hs := make([]InterruptHandler, len(handlers))
		copy(hs, handlers)
		mu.Unlock()
		for i := len(hs) - 1; i >= 0; i-- {
			hs[i]()
		}
		close(donec)

		signal.Stop(notifier)
		// pid 1 gets no default signal handling from the kernel
		if pid := syscall.Getpid(); pid != 1 {
			syscall.Kill(pid, sig.(syscall.Signal))
			return
		}
		os.Exit(0)
	}()
	return donec
}
