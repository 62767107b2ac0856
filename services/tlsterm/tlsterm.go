// Package tlsterm terminates TLS for inbound connections, routing by SNI
// to a per-hostname certificate and watching a certificate directory for
// renewals. It sources its base tls.Config from infrastructure/node and
// keeps it live across ACME/cert-rotation events without restarting
// listeners.
package tlsterm

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/net/http2"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/infrastructure/node"
)

// Terminator holds the SNI-keyed certificate set and serves GetCertificate
// lookups for a *tls.Config.
type Terminator struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	node  *node.Node
	log   *logging.Logger

	certDir string
	watcher *fsnotify.Watcher
}

// Config configures a Terminator.
type Config struct {
	CertDir string // directory of <sni>.crt / <sni>.key pairs
}

// New constructs a Terminator bound to n (for base TLS settings) and log.
func New(n *node.Node, log *logging.Logger) *Terminator {
	return &Terminator{
		certs: make(map[string]*tls.Certificate),
		node:  n,
		log:   log,
	}
}

// LoadCertificate installs or replaces the certificate served for sni.
// A bad certificate for one SNI never disturbs certificates already
// loaded for other names — per-SNI failure isolation.
func (t *Terminator) LoadCertificate(sni string, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return coreerrors.Invalid("certificate", "failed to parse keypair for "+sni+": "+err.Error())
	}
	t.mu.Lock()
	t.certs[strings.ToLower(sni)] = &cert
	t.mu.Unlock()
	return nil
}

// TLSConfig returns a *tls.Config that resolves certificates by SNI via
// GetCertificate and advertises HTTP/2 via NextProtos.
func (t *Terminator) TLSConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: t.getCertificate,
		NextProtos:     []string{http2.NextProtoTLS, "http/1.1"},
	}
	return cfg
}

func (t *Terminator) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(hello.ServerName)
	t.mu.RLock()
	defer t.mu.RUnlock()

	if cert, ok := t.certs[name]; ok {
		return cert, nil
	}
	// Fall back to a wildcard entry for the immediate parent domain, e.g.
	// "api.example.com" falls back to "*.example.com".
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		wildcard := "*" + name[idx:]
		if cert, ok := t.certs[wildcard]; ok {
			return cert, nil
		}
	}
	if len(t.certs) == 0 {
		return nil, coreerrors.FatalBoot("tls_certificate", nil)
	}
	return nil, coreerrors.New(coreerrors.BadInput, "no certificate for SNI "+hello.ServerName)
}

// loadDir loads every <name>.crt/<name>.key pair from dir at startup.
// Individual malformed pairs are skipped with a logged warning rather
// than aborting the whole load, so one bad certificate file doesn't take
// every other SNI down with it.
func (t *Terminator) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return coreerrors.FatalBoot("read_cert_dir", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".crt") {
			continue
		}
		sni := strings.TrimSuffix(entry.Name(), ".crt")
		if err := t.reloadOne(sni); err != nil && t.log != nil {
			t.log.WithError(err).Warn("tlsterm: skipping unloadable certificate for " + sni)
		}
	}
	return nil
}

// WatchDir loads every <name>.crt/<name>.key pair from dir and then
// watches it for changes, reloading the affected SNI's certificate on
// write. A malformed replacement certificate is logged and discarded,
// leaving the previous certificate for that SNI in service.
func (t *Terminator) WatchDir(dir string) error {
	t.certDir = dir
	if err := t.loadDir(dir); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return coreerrors.FatalBoot("create_cert_watcher", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return coreerrors.FatalBoot("watch_cert_dir", err)
	}
	t.watcher = w

	go t.watchLoop()
	return nil
}

func (t *Terminator) watchLoop() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".crt") {
				continue
			}
			sni := strings.TrimSuffix(filepath.Base(event.Name), ".crt")
			if err := t.reloadOne(sni); err != nil && t.log != nil {
				t.log.WithError(err).Warn("tlsterm: reload failed, keeping previous certificate for " + sni)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			if t.log != nil {
				t.log.WithError(err).Warn("tlsterm: certificate watcher error")
			}
		}
	}
}

func (t *Terminator) reloadOne(sni string) error {
	certPath := filepath.Join(t.certDir, sni+".crt")
	keyPath := filepath.Join(t.certDir, sni+".key")
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return coreerrors.Invalid("certificate", err.Error())
	}
	t.mu.Lock()
	t.certs[sni] = &cert
	t.mu.Unlock()
	return nil
}

// Close stops the directory watcher, if running.
func (t *Terminator) Close() error {
	if t.watcher != nil {
		return t.watcher.Close()
	}
	return nil
}
