//go:build windows

package config

// registerSignalHandler does nothing on Windows, where SIGHUP does not
// exist; the file watcher remains the only reload trigger.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("no SIGHUP on this platform, config reloads via file watcher only")
}
