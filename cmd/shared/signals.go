package shared

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

// ShutdownGrace is how long the server may take to stop its acceptors
// after the first signal before the process exits anyway.
const ShutdownGrace = 5 * time.Second

// SetupSignalHandling cancels the serve context on the first termination
// signal. A second signal exits immediately with 128+signo, and a stop that
// outlives grace exits with status 1. The returned function detaches the
// handler once the server has stopped on its own.
func SetupSignalHandling(cancel context.CancelFunc, grace time.Duration, logger *log.Logger) (release func()) {
	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		// a peer resetting its socket must not kill the server
		signal.Ignore(syscall.SIGPIPE)
	}

	ch := make(chan os.Signal, 2)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)

	go func() {
		var first os.Signal
		select {
		case first = <-ch:
		case <-done:
			return
		}
		logger.InfoMsg("received %s, stopping acceptors (grace %s)", first, grace)
		cancel()

		select {
		case s := <-ch:
			logger.WarnMsg("received %s again, exiting now", s)
			if n, ok := s.(syscall.Signal); ok {
				os.Exit(128 + int(n))
			}
			os.Exit(1)
		case <-time.After(grace):
			logger.ErrorMsg("shutdown did not finish within %s", grace)
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
