package acmeclient

import (
	"crypto/tls"
	"sync"
)

// alpnProto is the ALPN protocol ID TLS-ALPN-01 clients negotiate during
// the challenge handshake (RFC 8737).
const alpnProto = "acme-tls/1"

// AlpnResolver implements tls.Config.GetCertificate, branching between a
// per-SNI TLS-ALPN-01 challenge certificate and the regular issued
// certificate depending on whether the client offered acme-tls/1.
// Grounded on acme.rs's TlsAlpn01Resolver (ResolvesServerCert impl).
type AlpnResolver struct {
	mu             sync.RWMutex
	challengeCerts map[string]*tls.Certificate
	regularCert    *tls.Certificate
}

// NewAlpnResolver returns an empty resolver.
func NewAlpnResolver() *AlpnResolver {
	return &AlpnResolver{challengeCerts: make(map[string]*tls.Certificate)}
}

// SetChallengeCert installs the per-domain TLS-ALPN-01 challenge cert.
func (r *AlpnResolver) SetChallengeCert(domain string, cert *tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challengeCerts[domain] = cert
}

// RemoveChallengeCert drops domain's challenge cert once validated.
func (r *AlpnResolver) RemoveChallengeCert(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.challengeCerts, domain)
}

// SetRegularCert installs the currently issued certificate served to
// ordinary (non-challenge) clients.
func (r *AlpnResolver) SetRegularCert(cert *tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regularCert = cert
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *AlpnResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	isChallenge := false
	for _, proto := range hello.SupportedProtos {
		if proto == alpnProto {
			isChallenge = true
			break
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if isChallenge {
		if cert, ok := r.challengeCerts[hello.ServerName]; ok {
			return cert, nil
		}
	}
	return r.regularCert, nil
}
