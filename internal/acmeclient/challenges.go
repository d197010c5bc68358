// Package acmeclient implements ACME (Let's Encrypt) certificate issuance
// for the TLS Frontdoor (C7): HTTP-01 and TLS-ALPN-01 challenge handling,
// account/certificate persistence, and the 30-day renewal check. Grounded
// on original_source/src/acme.rs's Http01Challenges / TlsAlpn01Resolver /
// AcmeManager, realized with golang.org/x/crypto/acme instead of
// instant_acme + rustls.
package acmeclient

import "sync"

// Http01Store holds pending HTTP-01 challenge key authorizations, keyed by
// token. The frontdoor consults it before any other routing decision.
type Http01Store struct {
	mu    sync.RWMutex
	table map[string]string
}

// NewHttp01Store returns an empty store.
func NewHttp01Store() *Http01Store {
	return &Http01Store{table: make(map[string]string)}
}

// Set records the key authorization for token.
func (s *Http01Store) Set(token, keyAuthorization string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[token] = keyAuthorization
}

// Get returns the key authorization for token, if present.
func (s *Http01Store) Get(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.table[token]
	return v, ok
}

// Remove deletes token's entry once its authorization has been validated.
func (s *Http01Store) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table, token)
}
