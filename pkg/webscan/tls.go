package webscan

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"time"
)

type TLSInfo struct {
	Valid           bool      `json:"valid"`
	Issuer          string    `json:"issuer,omitempty"`
	Subject         string    `json:"subject,omitempty"`
	NotBefore       time.Time `json:"notBefore,omitempty"`
	NotAfter        time.Time `json:"notAfter,omitempty"`
	DaysUntilExpiry int       `json:"daysUntilExpiry"`
	Version         string    `json:"version,omitempty"`
	Error           string    `json:"error,omitempty"`
}

var tlsVersions = map[uint16]string{
	tls.VersionTLS10: "TLS 1.0",
	tls.VersionTLS11: "TLS 1.1",
	tls.VersionTLS12: "TLS 1.2",
	tls.VersionTLS13: "TLS 1.3",
}

// inspectTLS performs a verified handshake. When verification fails a
// second, unverified handshake is made only to describe the certificate.
func inspectTLS(ctx context.Context, u *url.URL, timeout time.Duration, roots *x509.CertPool) TLSInfo {
	if u.Scheme != "https" {
		return TLSInfo{Error: "site is not served over HTTPS"}
	}

	port := u.Port()
	if port == "" {
		port = "443"
	}
	address := net.JoinHostPort(u.Hostname(), port)

	info := TLSInfo{}
	state, err := handshake(ctx, address, u.Hostname(), timeout, false, roots)
	if err != nil {
		info.Error = err.Error()
		state, err = handshake(ctx, address, u.Hostname(), timeout, true, roots)
		if err != nil {
			return info
		}
	} else {
		info.Valid = true
	}

	if len(state.PeerCertificates) < 1 {
		info.Valid = false
		info.Error = "no peer certificate"
		return info
	}

	cert := state.PeerCertificates[0]
	info.Issuer = cert.Issuer.String()
	info.Subject = cert.Subject.String()
	info.NotBefore = cert.NotBefore
	info.NotAfter = cert.NotAfter
	info.DaysUntilExpiry = int(time.Until(cert.NotAfter).Hours() / 24)
	info.Version = tlsVersions[state.Version]

	if time.Now().After(cert.NotAfter) {
		info.Valid = false
		if info.Error == "" {
			info.Error = fmt.Sprintf("certificate expired on %s", cert.NotAfter.Format("2006-01-02"))
		}
	}

	return info
}

func handshake(ctx context.Context, address, serverName string, timeout time.Duration, insecure bool, roots *x509.CertPool) (tls.ConnectionState, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}
	if roots != nil {
		cfg.RootCAs = roots
	}

	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    cfg,
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(dctx, "tcp", address)
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer conn.Close()

	return conn.(*tls.Conn).ConnectionState(), nil
}
