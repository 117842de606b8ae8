package netguard

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Issuer produces TLS leaf certificates for intercepted hosts. The proxy
// depends only on this interface so tests can inject a stub.
type Issuer interface {
	// IssueLeaf returns a certificate valid for host, signed by the
	// local root.
	IssueLeaf(host string) (*tls.Certificate, error)

	// Reset discards all cached leaf certificates.
	Reset()
}

// leafRenewWindow is how close to expiry a cached leaf may get before it
// is re-issued instead of served from cache.
const leafRenewWindow = time.Hour

// CertManager holds the root CA key pair and issues per-host leaf
// certificates, optionally caching them in a bounded LRU. Concurrent
// requests for the same host share a single issuance.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	// Organization embedded in issued leaf certificates.
	Organization string

	// LeafValidity is the lifetime of issued leaf certificates.
	// Defaults to 7 days.
	LeafValidity time.Duration

	group singleflight.Group
	cache *lru.Cache[string, *leafEntry]

	issued atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

type leafEntry struct {
	cert     *tls.Certificate
	issuedAt time.Time
	notAfter time.Time
}

// EnsureCA makes sure a root CA pair exists at the given paths,
// generating and writing one when both files are absent. It is
// idempotent. Having exactly one of the two files present is an error
// rather than something to silently repair.
func EnsureCA(certPath, keyPath, org string) error {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)

	switch {
	case certErr == nil && keyErr == nil:
		return nil
	case certErr == nil || keyErr == nil:
		return fmt.Errorf("partial CA material: one of %s, %s is missing", certPath, keyPath)
	}

	certPEM, keyPEM, err := GenerateCA(org, 10)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	return nil
}

// NewCertManager creates a CertManager from CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA
// material.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}
	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return &CertManager{
		caCert:       caCert,
		caKey:        caKey,
		Organization: caCert.Subject.CommonName,
		LeafValidity: 7 * 24 * time.Hour,
	}, nil
}

// EnableCache turns on leaf caching with the given capacity, evicting
// least-recently-used entries on overflow. Call before serving traffic;
// without it every connection triggers a fresh issuance.
func (cm *CertManager) EnableCache(size int) error {
	c, err := lru.New[string, *leafEntry](size)
	if err != nil {
		return fmt.Errorf("certificate cache: %w", err)
	}
	cm.cache = c
	return nil
}

// IssueLeaf implements Issuer. Cached certificates are reused until they
// approach expiry; concurrent callers for the same host wait on and share
// the first caller's issuance.
func (cm *CertManager) IssueLeaf(host string) (*tls.Certificate, error) {
	host = strings.ToLower(host)

	if cert := cm.cached(host); cert != nil {
		cm.hits.Add(1)
		return cert, nil
	}
	if cm.cache != nil {
		cm.misses.Add(1)
	}

	v, err, _ := cm.group.Do(host, func() (any, error) {
		// A concurrent caller may have filled the cache while we
		// waited on the flight group.
		if cert := cm.cached(host); cert != nil {
			return cert, nil
		}

		cert, notAfter, err := cm.generateLeaf(host)
		if err != nil {
			return nil, err
		}
		cm.issued.Add(1)
		if cm.cache != nil {
			cm.cache.Add(host, &leafEntry{
				cert:     cert,
				issuedAt: time.Now(),
				notAfter: notAfter,
			})
		}
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (cm *CertManager) cached(host string) *tls.Certificate {
	if cm.cache == nil {
		return nil
	}
	e, ok := cm.cache.Get(host)
	if !ok || time.Until(e.notAfter) < leafRenewWindow {
		return nil
	}
	return e.cert
}

// GetCertificate is suitable for tls.Config.GetCertificate; it issues for
// the SNI hostname.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.IssueLeaf(hello.ServerName)
}

// Reset implements Issuer by flushing the leaf cache. Required after the
// root CA changes: old leaves were signed by the previous root.
func (cm *CertManager) Reset() {
	if cm.cache != nil {
		cm.cache.Purge()
	}
}

// CACert returns the root certificate.
func (cm *CertManager) CACert() *x509.Certificate {
	return cm.caCert
}

// Issued returns the number of leaf certificates generated so far.
func (cm *CertManager) Issued() int64 {
	return cm.issued.Load()
}

// CacheLen returns the number of cached leaves, zero when caching is off.
func (cm *CertManager) CacheLen() int {
	if cm.cache == nil {
		return 0
	}
	return cm.cache.Len()
}

// CacheHits returns the number of cache hits.
func (cm *CertManager) CacheHits() int64 { return cm.hits.Load() }

// CacheMisses returns the number of cache misses.
func (cm *CertManager) CacheMisses() int64 { return cm.misses.Load() }

func (cm *CertManager) generateLeaf(host string) (*tls.Certificate, time.Time, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generate serial: %w", err)
	}

	validity := cm.LeafValidity
	if validity == 0 {
		validity = 7 * 24 * time.Hour
	}
	notAfter := time.Now().Add(validity)

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{cm.Organization},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}, notAfter, nil
}

// GenerateCA generates a new root CA certificate and private key,
// returned as PEM.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})
	return certPEM, keyPEM, nil
}
