// Package transport wraps a WebTransport-over-HTTP/3 session as the
// "transport endpoint" capability spec component D and E consume: one
// bidirectional control stream plus a source of inbound unidirectional
// object streams (spec component J).
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"

	"github.com/quic-go/webtransport-go"

	"github.com/zsiec/warpclient/internal/moqerr"
)

// Config configures a Dial call.
type Config struct {
	URL string
	// CertHash, when non-nil, pins the server's certificate by SHA-256
	// hash instead of relying on system trust (spec §4.D Idle→Connecting).
	CertHash *[32]byte
}

// Session is a connected WebTransport session exposing the control stream
// and inbound object streams this client needs.
type Session struct {
	wt *webtransport.Session
}

// Dial establishes a WebTransport session against cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	var tlsConf *tls.Config
	if cfg.CertHash != nil {
		hash := *cfg.CertHash
		tlsConf = &tls.Config{
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return verifyCertHash(rawCerts, hash)
			},
		}
	}

	dialer := &webtransport.Dialer{
		TLSClientConfig: tlsConf,
	}
	resp, wtSession, err := dialer.Dial(ctx, cfg.URL, http.Header{})
	if err != nil {
		return nil, &moqerr.TransportError{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &moqerr.TransportError{Cause: fmt.Errorf("webtransport handshake status %d", resp.StatusCode)}
	}
	return &Session{wt: wtSession}, nil
}

func fingerprintSHA256(der []byte) [32]byte {
	return sha256.Sum256(der)
}

func verifyCertHash(rawCerts [][]byte, want [32]byte) error {
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		if fingerprintSHA256(cert.Raw) == want {
			return nil
		}
	}
	return fmt.Errorf("no presented certificate matched the expected fingerprint")
}

// OpenControlStream opens the single bidirectional stream used for MoQT
// control messages, grounded on the teacher's OpenUniStreamSync call
// pattern generalized to the bidirectional counterpart.
func (s *Session) OpenControlStream(ctx context.Context) (io.ReadWriteCloser, error) {
	stream, err := s.wt.OpenStreamSync(ctx)
	if err != nil {
		return nil, &moqerr.TransportError{Cause: err}
	}
	return stream, nil
}

// AcceptUniStream blocks until the next inbound unidirectional object
// stream arrives.
func (s *Session) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	stream, err := s.wt.AcceptUniStream(ctx)
	if err != nil {
		return nil, &moqerr.TransportError{Cause: err}
	}
	return stream, nil
}

// Close tears down the session with the given application error code and
// reason string.
func (s *Session) Close(code uint64, reason string) error {
	return s.wt.CloseWithError(webtransport.SessionErrorCode(code), reason)
}
