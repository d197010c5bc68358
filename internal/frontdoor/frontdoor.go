// Package frontdoor implements the TLS Frontdoor (C7): HTTP and optional
// HTTPS listeners in front of the Request Router, the ACME HTTP-01
// short-circuit, the force-HTTPS redirect, and the certificate resolution
// chain (ACME → static cert/key → self-signed). Grounded on
// original_source/src/proxy.rs's ProxyServer builder
// (with_tls/with_https_redirect/with_acme_challenges) generalized from a
// hyper Builder to net/http.Server, per the teacher's net/http-based
// listener style.
package frontdoor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"paasproxy/internal/acmeclient"
	"paasproxy/internal/config"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Frontdoor owns the HTTP and HTTPS listeners placed in front of handler
// (normally *proxy.Router).
type Frontdoor struct {
	cfg     config.ServerConfig
	handler http.Handler
	acme    *acmeclient.Manager

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// New builds a Frontdoor. acme may be nil when ACME is disabled.
func New(cfg config.ServerConfig, handler http.Handler, acmeMgr *acmeclient.Manager) *Frontdoor {
	return &Frontdoor{cfg: cfg, handler: handler, acme: acmeMgr}
}

// Start binds and begins serving the configured listeners. It returns
// immediately; errors from Serve are logged, not returned, matching the
// teacher's fire-and-forget listener goroutines.
func (f *Frontdoor) Start(ctx context.Context) error {
	wrapped := f.wrapHandler()

	if f.cfg.Port != 0 {
		f.httpSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", f.cfg.Bind, f.cfg.Port),
			Handler: wrapped,
		}
		go func() {
			slog.Info("frontdoor: HTTP listening", "addr", f.httpSrv.Addr)
			if err := f.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("frontdoor: HTTP server error", "error", err)
			}
		}()
	}

	if f.cfg.TLSEnabled() {
		tlsConfig, err := f.buildTLSConfig(ctx)
		if err != nil {
			return fmt.Errorf("frontdoor: building TLS config: %w", err)
		}
		f.httpsSrv = &http.Server{
			Addr:      fmt.Sprintf("%s:%d", f.cfg.Bind, f.cfg.HTTPSPort()),
			Handler:   f.handler,
			TLSConfig: tlsConfig,
		}
		go func() {
			slog.Info("frontdoor: HTTPS listening", "addr", f.httpsSrv.Addr)
			if err := f.httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("frontdoor: HTTPS server error", "error", err)
			}
		}()
	}

	return nil
}

// Stop gracefully shuts down every listening server.
func (f *Frontdoor) Stop(ctx context.Context) {
	if f.httpSrv != nil {
		_ = f.httpSrv.Shutdown(ctx)
	}
	if f.httpsSrv != nil {
		_ = f.httpsSrv.Shutdown(ctx)
	}
}

// wrapHandler composes the ACME HTTP-01 short-circuit and the force-HTTPS
// redirect in front of f.handler, in the priority order spec.md §4.8 steps
// 1–2 require.
func (f *Frontdoor) wrapHandler() http.Handler {
	next := f.handler
	if f.cfg.ForceHTTPS && f.cfg.TLSEnabled() {
		next = f.withHTTPSRedirect(next)
	}
	if f.acme != nil {
		next = f.withACMEChallenge(next)
	}
	return next
}

func (f *Frontdoor) withACMEChallenge(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := strings.CutPrefix(r.URL.Path, acmeChallengePrefix); ok {
			if keyAuth, found := f.acme.Http01.Get(token); found {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte(keyAuth))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Frontdoor) withHTTPSRedirect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
		target := "https://" + host
		if httpsPort := f.cfg.HTTPSPort(); httpsPort != 443 {
			target = fmt.Sprintf("%s:%d", target, httpsPort)
		}
		target += r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// buildTLSConfig resolves the certificate source in priority order: ACME,
// then a static cert/key pair, then a generated self-signed certificate.
func (f *Frontdoor) buildTLSConfig(ctx context.Context) (*tls.Config, error) {
	switch {
	case f.cfg.ACMEEnabled():
		if f.cfg.ACME.ChallengeType == "tls-alpn-01" {
			return &tls.Config{
				GetCertificate: f.acme.AlpnResolver.GetCertificate,
				NextProtos:     []string{"acme-tls/1", "h2", "http/1.1"},
			}, nil
		}
		if _, err := f.acme.EnsureCertificate(ctx); err != nil {
			return nil, err
		}
		return &tls.Config{GetCertificate: f.acme.AlpnResolver.GetCertificate}, nil

	case f.cfg.TLSCert != "" && f.cfg.TLSKey != "":
		cert, err := tls.LoadX509KeyPair(f.cfg.TLSCert, f.cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load static cert/key: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil

	default:
		cert, err := generateSelfSigned(nil)
		if err != nil {
			return nil, err
		}
		slog.Warn("frontdoor: no ACME or static certificate configured, using a self-signed certificate")
		return &tls.Config{Certificates: []tls.Certificate{*cert}}, nil
	}
}
