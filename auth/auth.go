// Package auth implements the bearer-token bootstrap described by the
// Docker Registry v2 auth spec: parsing a WWW-Authenticate challenge,
// fetching a token, and guarding it behind a read/write lock so
// concurrent 401s collapse into a single refresh.
package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctrtransfer/ctrtransfer/xferr"
)

// charLUs classifies bytes for the challenge-header scanner below.
type charLU byte

const (
	isSpace charLU = 1 << iota
	isAlphaNum
)

var charLUs [256]charLU

func init() {
	for c := 0; c < 256; c++ {
		if strings.ContainsRune(" \t\r\n", rune(c)) {
			charLUs[c] |= isSpace
		}
		if (rune('a') <= rune(c) && rune(c) <= rune('z')) ||
			(rune('A') <= rune(c) && rune(c) <= rune('Z')) ||
			(rune('0') <= rune(c) && rune(c) <= rune('9')) {
			charLUs[c] |= isAlphaNum
		}
	}
}

// Challenge is one parsed WWW-Authenticate directive.
type Challenge struct {
	Scheme string // lowercased: "bearer" or "basic"
	Realm  string
	Service string
	Scope  string
}

// ParseChallenges parses every WWW-Authenticate header value on a
// response into one Challenge per scheme.
func ParseChallenges(values []string) ([]Challenge, error) {
	var out []Challenge
	for _, v := range values {
		c, err := parseChallenge(v)
		if err != nil {
			return nil, xferr.New(xferr.Validation, "auth", "parse challenge", err)
		}
		out = append(out, c...)
	}
	return out, nil
}

// parseChallenge implements the small state machine for one header line:
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:x:pull"
func parseChallenge(h string) ([]Challenge, error) {
	var out []Challenge
	var cur *Challenge
	var eb, atb, kb, vb []byte
	state := "scheme"
	params := map[string]string{}

	flush := func() {
		if cur != nil {
			cur.Realm = params["realm"]
			cur.Service = params["service"]
			cur.Scope = params["scope"]
			out = append(out, *cur)
		}
		cur = nil
		params = map[string]string{}
	}

	for _, b := range []byte(h) {
		switch state {
		case "scheme":
			switch {
			case len(eb) == 0 && charLUs[b]&isSpace != 0:
				// ignore leading whitespace
			case charLUs[b]&isAlphaNum != 0:
				eb = append(eb, b)
			case charLUs[b]&isSpace != 0:
				atb = eb
				eb = nil
				cur = &Challenge{Scheme: strings.ToLower(string(atb))}
				state = "key"
			default:
				return nil, fmt.Errorf("unexpected byte %q in scheme", b)
			}
		case "key":
			switch {
			case charLUs[b]&isAlphaNum != 0:
				eb = append(eb, b)
			case b == '=':
				kb = eb
				eb = nil
				state = "value"
			case charLUs[b]&isSpace != 0:
				// ignore separating whitespace before first key
			default:
				return nil, fmt.Errorf("unexpected byte %q in key", b)
			}
		case "value":
			switch {
			case b == '"' && len(vb) == 0:
				state = "quoted"
			case b == ',' || charLUs[b]&isSpace != 0:
				params[strings.ToLower(string(kb))] = string(vb)
				kb, vb = nil, nil
				state = "key"
			default:
				vb = append(vb, b)
			}
		case "quoted":
			switch b {
			case '"':
				params[strings.ToLower(string(kb))] = string(vb)
				kb, vb = nil, nil
				state = "endvalue"
			case '\\':
				state = "escape"
			default:
				vb = append(vb, b)
			}
		case "escape":
			vb = append(vb, b)
			state = "quoted"
		case "endvalue":
			switch {
			case b == ',':
				state = "key"
			case charLUs[b]&isSpace != 0:
				// ignore trailing whitespace
			default:
				return nil, fmt.Errorf("unexpected byte %q after quoted value", b)
			}
		}
	}
	if state == "quoted" || state == "escape" {
		return nil, fmt.Errorf("unterminated quoted value in %q", h)
	}
	flush()
	return out, nil
}

// TokenInfo is a fetched bearer token and its absolute expiry.
type TokenInfo struct {
	Token     string
	ExpiresAt time.Time
}

// expired reports whether t needs a refresh. A zero ExpiresAt means the
// token response carried no expires_in and never expires on its own.
func (t TokenInfo) expired() bool {
	return !t.ExpiresAt.IsZero() && !time.Now().Before(t.ExpiresAt)
}

// tokenResponse is the JSON body the token endpoint returns.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	IssuedAt  string `json:"issued_at"`
}

// Manager guards one registry's TokenInfo behind a read/write lock and
// serializes refreshes so concurrent 401s collapse into one token
// request. One Manager is shared across every transport task for a
// given registry host.
type Manager struct {
	mu       sync.RWMutex
	client   *http.Client
	log      *logrus.Logger
	username string
	password string
	token    TokenInfo

	// set by the first HandleChallenge call; reused by Refresh
	realm, service, scope string
}

// Opts configures a Manager via functional options.
type Opts func(*Manager)

// WithHTTPClient supplies the client used to fetch tokens.
func WithHTTPClient(c *http.Client) Opts {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithCredentials supplies HTTP Basic credentials attached to the token request.
func WithCredentials(username, password string) Opts {
	return func(m *Manager) { m.username, m.password = username, password }
}

// WithLog injects a logrus Logger.
func WithLog(log *logrus.Logger) Opts {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager builds a Manager for one registry host.
func NewManager(opts ...Opts) *Manager {
	m := &Manager{
		client: &http.Client{},
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleChallenge records a parsed Bearer challenge's realm/service/scope,
// fails with an Unauthorized error naming the unsupported scheme when no
// challenge on the response is Bearer, and fetches an initial token.
func (m *Manager) HandleChallenge(challenges []Challenge) error {
	var bearer *Challenge
	for i := range challenges {
		if challenges[i].Scheme == "bearer" {
			bearer = &challenges[i]
			break
		}
	}
	if bearer == nil {
		return xferr.New(xferr.Unauthorized, "auth", "handle challenge", fmt.Errorf("no bearer challenge in response (unsupported scheme)"))
	}

	m.mu.Lock()
	m.realm, m.service, m.scope = bearer.Realm, bearer.Service, bearer.Scope
	m.mu.Unlock()

	return m.Refresh()
}

// Refresh performs an unconditional token fetch using the stored
// realm/service/scope and credentials.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked()
}

func (m *Manager) refreshLocked() error {
	if m.realm == "" {
		return xferr.New(xferr.Unauthorized, "auth", "refresh", fmt.Errorf("no challenge realm recorded yet"))
	}

	u, err := url.Parse(m.realm)
	if err != nil {
		return xferr.New(xferr.Validation, "auth", "refresh", err)
	}
	q := u.Query()
	if m.service != "" {
		q.Set("service", m.service)
	}
	if m.scope != "" {
		q.Set("scope", m.scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return xferr.New(xferr.Validation, "auth", "refresh", err)
	}
	if m.username != "" {
		req.SetBasicAuth(m.username, m.password)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return xferr.New(xferr.Network, "auth", "refresh", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xferr.New(xferr.Registry, "auth", "refresh", fmt.Errorf("token request failed: %s", truncate(body, 512))).WithStatus(resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return xferr.New(xferr.Parse, "auth", "refresh", err)
	}
	if tr.Token == "" {
		return xferr.New(xferr.Registry, "auth", "refresh", fmt.Errorf("token response has no token field")).WithStatus(resp.StatusCode)
	}

	// expires_in is optional; a zero value means the token does not expire.
	var expiresAt time.Time
	if tr.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).Add(-60 * time.Second)
	}
	m.token = TokenInfo{
		Token:     tr.Token,
		ExpiresAt: expiresAt,
	}
	m.log.WithFields(logrus.Fields{"realm": m.realm, "expires_in": tr.ExpiresIn}).Debug("auth token refreshed")
	return nil
}

// GetValid returns a non-expired token, read-locking first and promoting
// to a write lock only when a refresh is actually needed. A registry
// that never issued a challenge (the initial GET /v2/ returned 200, not
// 401) needs no token at all: GetValid returns "" without error rather
// than treating the unset realm as a refresh failure.
func (m *Manager) GetValid() (string, error) {
	m.mu.RLock()
	realm := m.realm
	tok := m.token
	m.mu.RUnlock()
	if realm == "" {
		return "", nil
	}
	if !tok.expired() {
		return tok.Token, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.realm == "" {
		return "", nil
	}
	if !m.token.expired() {
		return m.token.Token, nil
	}
	if err := m.refreshLocked(); err != nil {
		return "", err
	}
	return m.token.Token, nil
}

// Op is a unit of work executed against an optional bearer token.
type Op func(token string) error

// ExecuteWithRetry runs op with a valid token; on an Unauthorized error
// it refreshes at most once and retries, then propagates whatever op
// returns.
func (m *Manager) ExecuteWithRetry(op Op) error {
	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tok, err := m.GetValid()
		if err != nil {
			return err
		}
		lastErr = op(tok)
		if lastErr == nil {
			return nil
		}
		if !xferr.Is(lastErr, xferr.Unauthorized) || attempt == maxAttempts-1 {
			return lastErr
		}
		// Refresh only if no other caller (or op itself, via
		// HandleChallenge) has already replaced the rejected token, so
		// concurrent 401s collapse into one token request.
		m.mu.Lock()
		var rerr error
		if m.token.Token == tok {
			rerr = m.refreshLocked()
		}
		m.mu.Unlock()
		if rerr != nil {
			return rerr
		}
	}
	return lastErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
