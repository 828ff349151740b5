package rest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"authgate/internal/logging"
)

// writePair writes a self-signed certificate for cn and sets both files'
// mtime to mtime.
func writePair(t *testing.T, certFile, keyFile, cn string, mtime time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	touch(t, mtime, certFile, keyFile)
}

func touch(t *testing.T, mtime time.Time, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func servedCN(t *testing.T, cr *certReloader) string {
	t.Helper()
	cert, err := cr.getCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil {
		t.Fatalf("getCertificate: %v, %v", cert, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return leaf.Subject.CommonName
}

func TestCertReloader(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writePair(t, certFile, keyFile, "first", base)

	cr, err := newCertReloader(certFile, keyFile, logging.Discard())
	if err != nil {
		t.Fatalf("newCertReloader: %v", err)
	}
	if cn := servedCN(t, cr); cn != "first" {
		t.Fatalf("serving %q, want first", cn)
	}

	if changed, err := cr.reload(); err != nil || changed {
		t.Fatalf("reload of unchanged pair = %v, %v", changed, err)
	}

	writePair(t, certFile, keyFile, "second", base.Add(time.Minute))
	if changed, err := cr.reload(); err != nil || !changed {
		t.Fatalf("reload of renewed pair = %v, %v", changed, err)
	}
	if cn := servedCN(t, cr); cn != "second" {
		t.Fatalf("serving %q, want second", cn)
	}

	if err := os.WriteFile(certFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	touch(t, base.Add(2*time.Minute), certFile)
	if _, err := cr.reload(); err == nil {
		t.Fatal("expected an error for a corrupt certificate")
	}
	if cn := servedCN(t, cr); cn != "second" {
		t.Fatalf("corrupt pair replaced the served certificate with %q", cn)
	}
}

func TestCertReloader_Periodic(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writePair(t, certFile, keyFile, "first", base)

	cr, err := newCertReloader(certFile, keyFile, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cr.startReloading(10*time.Millisecond, stop)
	}()

	writePair(t, certFile, keyFile, "rotated", base.Add(time.Minute))
	deadline := time.Now().Add(2 * time.Second)
	for servedCN(t, cr) != "rotated" {
		if time.Now().After(deadline) {
			t.Fatal("periodic reload never picked up the new certificate")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reloader did not stop")
	}
}

func TestCertReloader_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := newCertReloader(filepath.Join(dir, "nope.crt"), filepath.Join(dir, "nope.key"), logging.Discard()); err == nil {
		t.Fatal("expected an error for missing files")
	}
}
