package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/acme"

	"paasproxy/internal/config"
)

// renewalThreshold matches spec.md §6: certs are renewed once fewer than
// this many days remain before expiry.
const renewalThreshold = 30 * 24 * time.Hour

// Manager obtains and renews a certificate for a set of domains via ACME,
// persisting the account key and certificate to cacheDir with 0600
// permissions on the private material. Grounded on acme.rs's AcmeManager.
type Manager struct {
	cfg      config.AcmeConfig
	cacheDir string

	Http01       *Http01Store
	AlpnResolver *AlpnResolver

	client *acme.Client
}

// New validates cfg's cache directory and builds a Manager. The directory
// is not created here; it is created when a new ACME account's key is first
// saved.
func New(cfg config.AcmeConfig) (*Manager, error) {
	cacheDir, err := validateCacheDir(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:          cfg,
		cacheDir:     cacheDir,
		Http01:       NewHttp01Store(),
		AlpnResolver: NewAlpnResolver(),
	}, nil
}

// validateCacheDir rejects any path component containing "..", per
// spec.md §6's path-traversal guard.
func validateCacheDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("acmeclient: cache_dir is required")
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return "", fmt.Errorf("acmeclient: cache_dir must not contain '..' components")
		}
	}
	return dir, nil
}

// EnsureCertificate returns a currently valid certificate, obtaining or
// renewing one via ACME as needed. Safe to call periodically; it is a
// no-op when the cached certificate still has more than 30 days left.
func (m *Manager) EnsureCertificate(ctx context.Context) (*tls.Certificate, error) {
	if cert, ok := m.loadCachedCert(); ok {
		m.AlpnResolver.SetRegularCert(cert)
		return cert, nil
	}

	account, err := m.getOrCreateAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: account: %w", err)
	}
	m.client = account

	cert, err := m.obtainCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: obtain certificate: %w", err)
	}
	m.AlpnResolver.SetRegularCert(cert)
	return cert, nil
}

func (m *Manager) accountKeyPath() string { return filepath.Join(m.cacheDir, "account.json") }
func (m *Manager) certPath() string       { return filepath.Join(m.cacheDir, "cert.pem") }
func (m *Manager) keyPath() string        { return filepath.Join(m.cacheDir, "key.pem") }

type accountFile struct {
	PrivateKeyPEM string `json:"private_key_pem"`
	URI           string `json:"uri"`
}

// getOrCreateAccount loads a persisted ACME account or registers a new one,
// matching acme.rs's get_or_create_account.
func (m *Manager) getOrCreateAccount(ctx context.Context) (*acme.Client, error) {
	if data, err := os.ReadFile(m.accountKeyPath()); err == nil {
		var af accountFile
		if err := json.Unmarshal(data, &af); err != nil {
			return nil, err
		}
		key, err := parseECKey(af.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		client := &acme.Client{Key: key, DirectoryURL: m.directoryURL()}
		slog.Debug("acmeclient: loaded existing account", "path", m.accountKeyPath())
		return client, nil
	}

	if m.cfg.Email == "" {
		return nil, fmt.Errorf("acme email is required for account creation")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	client := &acme.Client{Key: key, DirectoryURL: m.directoryURL()}

	acct := &acme.Account{Contact: []string{"mailto:" + m.cfg.Email}}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}

	keyPEM, err := marshalECKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.cacheDir, 0o700); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(accountFile{PrivateKeyPEM: keyPEM}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(m.accountKeyPath(), data, 0o600); err != nil {
		return nil, err
	}
	slog.Info("acmeclient: account credentials saved", "path", m.accountKeyPath())
	return client, nil
}

func (m *Manager) directoryURL() string {
	if m.cfg.DirectoryURL != "" {
		return m.cfg.DirectoryURL
	}
	return acme.LetsEncryptURL
}

// loadCachedCert returns the persisted certificate if present and valid for
// at least renewalThreshold longer.
func (m *Manager) loadCachedCert() (*tls.Certificate, bool) {
	cert, err := tls.LoadX509KeyPair(m.certPath(), m.keyPath())
	if err != nil {
		return nil, false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, false
	}
	if time.Until(leaf.NotAfter) < renewalThreshold {
		slog.Info("acmeclient: cached certificate expires soon, will renew", "not_after", leaf.NotAfter)
		return nil, false
	}
	cert.Leaf = leaf
	return &cert, true
}

// obtainCertificate drives the full order → authorize → validate → finalize
// ACME flow for m.cfg.Domains, persisting the result to disk.
func (m *Manager) obtainCertificate(ctx context.Context) (*tls.Certificate, error) {
	ids := make([]acme.AuthzID, len(m.cfg.Domains))
	for i, d := range m.cfg.Domains {
		ids[i] = acme.AuthzID{Type: "dns", Value: d}
	}

	order, err := m.client.AuthorizeOrder(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := m.satisfyAuthorization(ctx, authzURL); err != nil {
			return nil, err
		}
	}

	order, err = m.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("wait order: %w", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	csr, err := buildCSR(certKey, m.cfg.Domains)
	if err != nil {
		return nil, err
	}

	derChain, _, err := m.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("finalize order: %w", err)
	}

	if err := m.persistCert(derChain, certKey); err != nil {
		return nil, err
	}
	cert, _ := m.loadCachedCert()
	if cert == nil {
		return nil, fmt.Errorf("persisted certificate failed to reload")
	}
	return cert, nil
}

// satisfyAuthorization picks the configured challenge type out of authzURL's
// authorization and drives it to completion.
func (m *Manager) satisfyAuthorization(ctx context.Context, authzURL string) error {
	authz, err := m.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}

	challengeType := "http-01"
	if m.cfg.ChallengeType != "" {
		challengeType = m.cfg.ChallengeType
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == challengeType {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no %s challenge offered for %s", challengeType, authz.Identifier.Value)
	}

	switch challengeType {
	case "tls-alpn-01":
		cert, err := m.client.TLSALPN01ChallengeCert(chal.Token, authz.Identifier.Value)
		if err != nil {
			return err
		}
		m.AlpnResolver.SetChallengeCert(authz.Identifier.Value, &cert)
		defer m.AlpnResolver.RemoveChallengeCert(authz.Identifier.Value)
	default: // http-01
		keyAuth, err := m.client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return err
		}
		m.Http01.Set(chal.Token, keyAuth)
		defer m.Http01.Remove(chal.Token)
	}

	if _, err := m.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if _, err := m.client.WaitAuthorization(ctx, authzURL); err != nil {
		return fmt.Errorf("wait authorization: %w", err)
	}
	return nil
}

// persistCert writes the cert chain and private key to disk, the private
// key with 0600 permissions, matching acme.rs's save_cert.
func (m *Manager) persistCert(derChain [][]byte, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(m.cacheDir, 0o700); err != nil {
		return err
	}

	var certPEM strings.Builder
	for _, der := range derChain {
		_ = pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	if err := os.WriteFile(m.certPath(), []byte(certPEM.String()), 0o644); err != nil {
		return err
	}

	keyPEM, err := marshalECKey(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.keyPath(), []byte(keyPEM), 0o600); err != nil {
		return err
	}

	slog.Info("acmeclient: certificate saved", "path", m.certPath())
	return nil
}

func marshalECKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	_ = pem.Encode(&b, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return b.String(), nil
}

func parseECKey(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("acmeclient: invalid PEM in account file")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func buildCSR(key *ecdsa.PrivateKey, domains []string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}
