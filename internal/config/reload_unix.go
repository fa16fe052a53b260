//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler wires SIGHUP to Reload so operators can force the
// relay to re-read its config without touching the file on disk.
func (r *Reloader) registerSignalHandler() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				r.logger.Info("SIGHUP received, reloading config")
				r.Reload()
			case <-r.stopCh:
				return
			}
		}
	}()
	r.logger.Info("SIGHUP config reload handler registered")
}
