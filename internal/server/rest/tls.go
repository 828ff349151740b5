package rest

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// certReloader serves a certificate pair that is re-read from disk when
// either file changes. A pair that fails to load leaves the previous
// certificate in place.
type certReloader struct {
	certFile string
	keyFile  string
	log      *log.Logger

	mu      sync.RWMutex
	cert    *tls.Certificate
	modTime time.Time // newest mtime of the pair at the last load
}

func newCertReloader(certFile, keyFile string, logger *log.Logger) (*certReloader, error) {
	cr := &certReloader{
		certFile: certFile,
		keyFile:  keyFile,
		log:      logger,
	}
	if _, err := cr.reload(); err != nil {
		return nil, err
	}
	return cr, nil
}

func newestModTime(paths ...string) (time.Time, error) {
	var newest time.Time
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("stat certificate: %w", err)
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}

// reload loads the pair if it changed since the last load and reports
// whether the served certificate was replaced.
func (cr *certReloader) reload() (bool, error) {
	mt, err := newestModTime(cr.certFile, cr.keyFile)
	if err != nil {
		return false, err
	}
	cr.mu.RLock()
	unchanged := cr.cert != nil && !mt.After(cr.modTime)
	cr.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	cert, err := tls.LoadX509KeyPair(cr.certFile, cr.keyFile)
	if err != nil {
		return false, fmt.Errorf("load certificate: %w", err)
	}
	cr.mu.Lock()
	cr.cert = &cert
	cr.modTime = mt
	cr.mu.Unlock()

	if cert.Leaf != nil {
		cr.log.Info("TLS certificate loaded", "file", cr.certFile,
			"subject", cert.Leaf.Subject.CommonName, "not_after", cert.Leaf.NotAfter)
	}
	return true, nil
}

// getCertificate implements tls.Config.GetCertificate.
func (cr *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.cert, nil
}

// startReloading checks the pair every interval until stop is closed.
func (cr *certReloader) startReloading(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := cr.reload(); err != nil {
				cr.log.Error("TLS certificate reload failed, keeping the current one", "err", err)
			}
		case <-stop:
			return
		}
	}
}
