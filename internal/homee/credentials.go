package homee

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultRequestTimeout bounds a single token request.
	DefaultRequestTimeout = 2500 * time.Millisecond

	logfileTimeout = 5 * time.Second
)

// HTTPDoer is the subset of *http.Client used for the token handshake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Session is the token state of one client.
type Session struct {
	Token     string
	Expires   time.Time
	Retries   int
	Connected bool
}

// TokenValid reports whether the cached token may still be used at now.
func (s *Session) TokenValid(now time.Time) bool {
	return s.Token != "" && s.Expires.After(now)
}

// Token is a parsed answer of the token endpoint.
type Token struct {
	AccessToken string
	UserID      string
	DeviceID    string
	TTL         time.Duration
}

// Credentials performs the HTTP token handshake for one user and device.
type Credentials struct {
	baseURL  string
	user     string
	password string
	device   string
	timeout  time.Duration
	client   HTTPDoer
}

// NewCredentials creates credentials for the hub reachable at baseURL.
func NewCredentials(client HTTPDoer, baseURL, user, password, device string, timeout time.Duration) *Credentials {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Credentials{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		device:   device,
		timeout:  timeout,
		client:   client,
	}
}

// PasswordDigest is the hex encoded SHA-512 of password, the form in which
// the hub expects it. The plain password never leaves the process.
func PasswordDigest(password string) string {
	sum := sha512.Sum512([]byte(password))
	return hex.EncodeToString(sum[:])
}

// RequestToken performs one token request. A response from the hub with a
// non-2xx status is an *AuthError; a failure without a response is a
// *TransportError which the caller may retry.
func (c *Credentials) RequestToken(ctx context.Context) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("device_name", c.device)
	form.Set("device_hardware_id", DeviceID(c.device))
	form.Set("device_os", strconv.Itoa(DeviceOSLinux))
	form.Set("device_type", strconv.Itoa(DeviceTypeNone))
	form.Set("device_app", strconv.Itoa(DeviceAppHomee))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.user, PasswordDigest(c.password))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	log.Debug().Str("url", req.URL.String()).Str("device", c.device).Msg("Requesting access token")

	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, &TransportError{Op: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, &AuthError{Status: resp.StatusCode, StatusText: statusText(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, &TransportError{Op: "token", Err: err}
	}
	return parseToken(string(body))
}

// parseToken decodes "access_token=<token>&user_id=..&device_id=..&expires=<seconds>".
func parseToken(body string) (Token, error) {
	values, err := url.ParseQuery(strings.TrimSpace(body))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}

	token := values.Get("access_token")
	if token == "" {
		return Token{}, fmt.Errorf("%w: missing access_token", ErrInvalidTokenResponse)
	}
	expires, err := strconv.Atoi(values.Get("expires"))
	if err != nil || expires < 0 {
		return Token{}, fmt.Errorf("%w: invalid expires %q", ErrInvalidTokenResponse, values.Get("expires"))
	}

	return Token{
		AccessToken: token,
		UserID:      values.Get("user_id"),
		DeviceID:    values.Get("device_id"),
		TTL:         time.Duration(expires) * time.Second,
	}, nil
}

// FetchLog downloads the hub's log file using token.
func (c *Credentials) FetchLog(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, logfileTimeout)
	defer cancel()

	u := c.baseURL + "/logfile.log?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build logfile request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransportError{Op: "logfile", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AuthError{Status: resp.StatusCode, StatusText: statusText(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Op: "logfile", Err: err}
	}
	return string(body), nil
}

func statusText(resp *http.Response) string {
	// resp.Status is "404 Not Found"; keep only the text.
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
