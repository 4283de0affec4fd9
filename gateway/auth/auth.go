// Package auth implements the API key + HMAC request scheme used by the
// escrow service. Every mutating request is signed with a shared secret over
// the timestamp, a caller-chosen nonce, the method, the path, and the body;
// nonces are tracked per key to block replays inside the timestamp window.
package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey carries the caller's key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection within the timestamp window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature bounds the body size that will be hashed.
	MaxBodyForSignature = 1 << 20

	defaultSkew          = 2 * time.Minute
	defaultNonceCapacity = 4096
)

// Principal identifies an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies signed requests against a static key/secret set.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	nowFn   func() time.Time

	mu     sync.Mutex
	nonces map[string]*nonceWindow
	cap    int
}

// nonceWindow is a bounded insertion-ordered set; the oldest nonce is evicted
// once capacity is reached.
type nonceWindow struct {
	order *list.List
	seen  map[string]*list.Element
}

// New builds an authenticator over API key identifiers mapped to shared
// secrets.
func New(secrets map[string]string, skew time.Duration, nonceCapacity int, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if skew <= 0 {
		skew = defaultSkew
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets: cloned,
		skew:    skew,
		nowFn:   nowFn,
		nonces:  make(map[string]*nonceWindow),
		cap:     nonceCapacity,
	}
}

// Authenticate validates the request headers and signature and returns the
// caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing " + HeaderAPIKey + " header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return nil, errors.New("missing " + HeaderTimestamp + " header")
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	if delta := now.Sub(time.Unix(unix, 0)); delta > a.skew || delta < -a.skew {
		return nil, errors.New("timestamp outside allowed window")
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing " + HeaderNonce + " header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing " + HeaderSignature + " header")
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, r.URL.Path, body)
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, errors.New("signature is not valid hex")
	}
	if !hmac.Equal(expected, providedBytes) {
		return nil, errors.New("signature mismatch")
	}
	if !a.rememberNonce(apiKey, timestamp+":"+nonce) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

// rememberNonce records the nonce for the key, reporting false when it was
// already seen inside the window.
func (a *Authenticator) rememberNonce(apiKey, nonce string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	window, ok := a.nonces[apiKey]
	if !ok {
		window = &nonceWindow{order: list.New(), seen: make(map[string]*list.Element)}
		a.nonces[apiKey] = window
	}
	if _, dup := window.seen[nonce]; dup {
		return false
	}
	window.seen[nonce] = window.order.PushBack(nonce)
	for window.order.Len() > a.cap {
		oldest := window.order.Front()
		window.order.Remove(oldest)
		delete(window.seen, oldest.Value.(string))
	}
	return true
}

// ComputeSignature derives the HMAC-SHA256 signature clients must send.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHex is ComputeSignature rendered the way the header carries it.
func SignatureHex(secret, timestamp, nonce, method, path string, body []byte) string {
	return hex.EncodeToString(ComputeSignature(secret, timestamp, nonce, method, path, body))
}
