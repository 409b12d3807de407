package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	selfSignedValidity = 90 * 24 * time.Hour
	renewBefore        = 7 * 24 * time.Hour
)

// TLSConfig serves certFile and keyFile when both are set, otherwise a
// self-signed certificate kept in cacheDir. The pair is re-read whenever the
// certificate file changes on disk.
func TLSConfig(certFile, keyFile, cacheDir string) (*tls.Config, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("gateway: tls cert and key must be set together")
	}
	if certFile == "" {
		var err error
		certFile, keyFile, err = ensureSelfSigned(cacheDir, time.Now())
		if err != nil {
			return nil, err
		}
	}

	files := &certFiles{certFile: certFile, keyFile: keyFile}
	if _, err := files.load(); err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: files.getCertificate,
	}, nil
}

type certFiles struct {
	certFile string
	keyFile  string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func (c *certFiles) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return c.load()
}

// load returns the cached pair, reloading it when the certificate file's
// modification time moves. A pair that fails to load mid-rotation keeps the
// previous one in service.
func (c *certFiles) load() (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.certFile)
	if err != nil {
		if c.cert != nil {
			return c.cert, nil
		}
		return nil, fmt.Errorf("stat tls cert: %w", err)
	}
	if c.cert != nil && info.ModTime().Equal(c.modTime) {
		return c.cert, nil
	}

	cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
	if err != nil {
		if c.cert != nil {
			return c.cert, nil
		}
		return nil, fmt.Errorf("load tls cert: %w", err)
	}
	c.cert = &cert
	c.modTime = info.ModTime()
	return c.cert, nil
}

// ensureSelfSigned returns the self-signed pair in dir, generating it when
// missing, unreadable or within renewBefore of expiry.
func ensureSelfSigned(dir string, now time.Time) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, "gateway.crt")
	keyPath = filepath.Join(dir, "gateway.key")

	if leaf, err := readLeaf(certPath); err == nil && now.Add(renewBefore).Before(leaf.NotAfter) {
		if _, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
			return certPath, keyPath, nil
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create tls dir: %w", err)
	}
	certPEM, keyPEM, err := newSelfSigned(now)
	if err != nil {
		return "", "", err
	}
	if err := writeFileAtomic(keyPath, keyPEM); err != nil {
		return "", "", fmt.Errorf("write tls key: %w", err)
	}
	if err := writeFileAtomic(certPath, certPEM); err != nil {
		return "", "", fmt.Errorf("write tls cert: %w", err)
	}
	return certPath, keyPath, nil
}

func readLeaf(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no certificate", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// newSelfSigned issues a certificate for localhost, the loopback addresses
// and this machine's hostname.
func newSelfSigned(now time.Time) (certPEM, keyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	dnsNames := []string{"localhost"}
	if host, err := os.Hostname(); err == nil && host != "" && host != "localhost" {
		dnsNames = append(dnsNames, host)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "conduit gateway"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		nil
}

// writeFileAtomic replaces path with a 0600 file holding data.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
