// Package tlsutil keeps relayd's TLS certificate fresh across rotations.
// The serving cert is swapped in place on renewal, so long-lived WebSocket
// sessions and the ingest API keep their listener while new handshakes pick
// up the new certificate.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertLoader serves the current certificate to tls.Config.GetCertificate
// and reloads it when the cert or key file changes on disk. The certificate
// sits behind an atomic pointer: handshakes read it lock-free while the
// watcher goroutine swaps it.
type CertLoader struct {
	cert atomic.Pointer[tls.Certificate]

	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stop     chan struct{}
}

// New loads the pair once and starts the watcher. A broken pair on disk at
// startup is a hard error; a broken pair later keeps the last good cert.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	if err := cl.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, f := range []string{certFile, keyFile} {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", f, err)
		}
	}
	cl.watcher = watcher
	go cl.watch()

	logger.Info("TLS certificate loaded, watching for rotation",
		"cert_file", certFile, "key_file", keyFile)
	return cl, nil
}

// GetCertificate is the tls.Config.GetCertificate callback, hit on every
// handshake.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cl.cert.Load(), nil
}

// Reload re-reads the pair from disk, keeping the current certificate when
// the files are mid-rotation or invalid.
func (cl *CertLoader) Reload() error {
	if err := cl.load(); err != nil {
		cl.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("TLS certificate reloaded", "cert_file", cl.certFile, "key_file", cl.keyFile)
	return nil
}

// Stop terminates the watcher goroutine.
func (cl *CertLoader) Stop() {
	close(cl.stop)
	if cl.watcher != nil {
		cl.watcher.Close()
	}
}

func (cl *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.cert.Store(&cert)
	return nil
}

// watch debounces file events: cert managers write the cert and key as two
// separate operations, and reloading between them would pair a new cert
// with the old key. Remove and rename events re-arm the watch, which is how
// secret mounts and atomic-rename rotations land on disk.
func (cl *CertLoader) watch() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				cl.watcher.Add(event.Name) //nolint:errcheck
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				cl.Reload() //nolint:errcheck
			})
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("TLS cert watcher error", "error", err)
		case <-cl.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
