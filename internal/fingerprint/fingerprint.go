// Package fingerprint fetches and parses the SHA-256 certificate
// fingerprint a server publishes out-of-band, so the client can pin an
// otherwise-untrusted self-signed WebTransport certificate (spec
// component K).
package fingerprint

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zsiec/warpclient/internal/moqerr"
)

// Fetch performs a plain GET against url and parses the text/plain
// response body as colon-separated or bare ASCII hex, validating it
// decodes to exactly 32 bytes.
func Fetch(ctx context.Context, url string) ([32]byte, error) {
	var out [32]byte

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, &moqerr.FingerprintError{Reason: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, &moqerr.FingerprintError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, &moqerr.FingerprintError{Reason: "non-200 response: " + resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, &moqerr.FingerprintError{Reason: err.Error()}
	}

	hexStr := strings.ReplaceAll(strings.TrimSpace(string(body)), ":", "")
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, &moqerr.FingerprintError{Reason: "not valid ASCII hex"}
	}
	if len(decoded) != 32 {
		return out, &moqerr.FingerprintError{Reason: "expected 32 bytes, got " + strconv.Itoa(len(decoded))}
	}
	copy(out[:], decoded)
	return out, nil
}
