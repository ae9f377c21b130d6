// Package acquirer performs the one login round-trip the token pool needs
// to mint a fresh bearer token, and categorizes the ways that round-trip
// can fail so callers can tell a fatal startup error from a retryable one.
package acquirer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Credential is the single (username, password) tuple shared by every
// pool slot.
type Credential struct {
	Username string
	Password string
}

// Upstream is the database's REST endpoint the Acquirer logs into and the
// ProxyHandler forwards requests to.
type Upstream struct {
	Host string
	Port int
	TLS  bool
}

// Category distinguishes why a login round-trip failed, so the Refresher
// and the initial pool fill can apply different retry policies per §7.
type Category int

const (
	// NetworkError covers dial/timeout/transport failures. Transient.
	NetworkError Category = iota
	// AuthError covers a structurally valid response that rejects the
	// credential (non-200, non-zero code, or a missing token field).
	AuthError
	// ProtocolError covers a response that isn't valid JSON at all or has
	// no code field, and a login request body that cannot be encoded.
	ProtocolError
)

func (c Category) String() string {
	switch c {
	case NetworkError:
		return "network_error"
	case AuthError:
		return "auth_error"
	case ProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Error wraps the underlying cause with its Category so callers can use
// errors.As to branch on it without string matching.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquirer: %s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

// Acquirer is stateless and safe to call concurrently; every call is one
// independent HTTP round-trip.
type Acquirer struct {
	httpClient *http.Client
	loginURL   string
	credential Credential

	onDuration func(time.Duration)
}

// New builds an Acquirer against the given upstream and credential. The
// HTTP client always carries a bounded per-call timeout — a zero-value,
// no-timeout client is never used here, since a hung login would otherwise
// block a pool slot (or the whole startup fill) indefinitely.
func New(upstream Upstream, credential Credential, timeout time.Duration) *Acquirer {
	scheme := "http"
	if upstream.TLS {
		scheme = "https"
	}
	return &Acquirer{
		httpClient: &http.Client{Timeout: timeout},
		loginURL:   fmt.Sprintf("%s://%s:%d/api/login", scheme, upstream.Host, upstream.Port),
		credential: credential,
	}
}

// ObserveDuration registers a callback invoked with the wall-clock duration
// of every Acquire call, successful or not, so the observability surface
// can track login latency without the Acquirer importing it directly.
func (a *Acquirer) ObserveDuration(f func(time.Duration)) { a.onDuration = f }

// Acquire performs one login round-trip and returns a fresh bearer string.
func (a *Acquirer) Acquire(ctx context.Context) (string, error) {
	start := time.Now()
	defer func() {
		if a.onDuration != nil {
			a.onDuration(time.Since(start))
		}
	}()

	body, err := json.Marshal(loginRequest{UserID: a.credential.Username, Password: a.credential.Password})
	if err != nil {
		return "", &Error{Category: ProtocolError, Err: fmt.Errorf("encoding login request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Category: NetworkError, Err: fmt.Errorf("building login request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &Error{Category: NetworkError, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Category: NetworkError, Err: fmt.Errorf("reading login response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Category: AuthError, Err: fmt.Errorf("login returned status %d", resp.StatusCode)}
	}

	if !gjson.ValidBytes(respBody) {
		return "", &Error{Category: ProtocolError, Err: errors.New("login response is not valid JSON")}
	}

	// Pulled field-by-field with gjson rather than decoded into a struct,
	// so unrecognized upstream fields are ignored by construction.
	code := gjson.GetBytes(respBody, "code")
	if !code.Exists() {
		return "", &Error{Category: ProtocolError, Err: errors.New("login response missing code field")}
	}
	if code.Int() != 0 {
		return "", &Error{Category: AuthError, Err: fmt.Errorf("login rejected with code %d", code.Int())}
	}

	token := gjson.GetBytes(respBody, "token")
	if !token.Exists() || token.String() == "" {
		return "", &Error{Category: AuthError, Err: errors.New("login response missing token field")}
	}

	return token.String(), nil
}
