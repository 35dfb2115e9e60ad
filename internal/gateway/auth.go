package gateway

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/httpx"
)

// Auth modes.
const (
	AuthNone      = "none"
	AuthToken     = "token"
	AuthTailscale = "tailscale"
)

const sessionCookieName = "openclaw_token"

// Credential is the bearer material resolved from a request.
type Credential struct {
	Token  string
	Source string // header | query | cookie | tailscale
}

// ResolveCredential extracts the credential with the documented
// precedence: Authorization header, token query parameter, session
// cookie, then the peer address for tailscale deployments.
func ResolveCredential(r *http.Request, mode string) Credential {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(h), "Bearer "); ok {
			return Credential{Token: strings.TrimSpace(rest), Source: "header"}
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return Credential{Token: t, Source: "query"}
	}
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return Credential{Token: c.Value, Source: "cookie"}
	}
	if mode == AuthTailscale {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		return Credential{Token: host, Source: "tailscale"}
	}
	return Credential{}
}

// Authenticator verifies resolved credentials per the configured mode.
type Authenticator struct {
	mode     string
	token    string
	whoisURL string
	client   *httpx.Client
	limiter  *failLimiter
}

// NewAuthenticator builds an authenticator from gateway config.
func NewAuthenticator(cfg config.GatewayConfig) *Authenticator {
	mode := strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if mode == "" {
		mode = AuthNone
	}
	return &Authenticator{
		mode:     mode,
		token:    cfg.Token,
		whoisURL: "http://100.100.100.100/api/whois",
		client:   httpx.New(httpx.Options{Timeout: 5 * time.Second}),
		limiter:  newFailLimiter(5, time.Minute),
	}
}

// Mode returns the configured auth mode.
func (a *Authenticator) Mode() string { return a.mode }

// Verify checks the credential. remoteIP feeds the failed-attempt
// limiter: once an IP trips it, verification is refused outright.
func (a *Authenticator) Verify(ctx context.Context, cred Credential, remoteIP string) (string, error) {
	if a.limiter.blocked(remoteIP) {
		return "", clawerr.New(clawerr.KindUnauthorized, "too many failed attempts")
	}

	principal, err := a.verify(ctx, cred)
	if err != nil {
		a.limiter.record(remoteIP)
		return "", err
	}
	return principal, nil
}

func (a *Authenticator) verify(ctx context.Context, cred Credential) (string, error) {
	switch a.mode {
	case AuthNone:
		return "anonymous", nil
	case AuthToken:
		if subtle.ConstantTimeCompare([]byte(cred.Token), []byte(a.token)) != 1 {
			return "", clawerr.New(clawerr.KindUnauthorized, "invalid token")
		}
		return "token", nil
	case AuthTailscale:
		return a.whois(ctx, cred.Token)
	default:
		return "", clawerr.Newf(clawerr.KindUnauthorized, "unknown auth mode %q", a.mode)
	}
}

// whois asks the local tailscaled for the peer behind addr.
func (a *Authenticator) whois(ctx context.Context, addr string) (string, error) {
	var out struct {
		UserProfile struct {
			LoginName string `json:"LoginName"`
		} `json:"UserProfile"`
		Node struct {
			Name string `json:"Name"`
		} `json:"Node"`
	}
	if err := a.client.GetJSON(ctx, a.whoisURL+"?addr="+addr, &out); err != nil {
		return "", clawerr.Wrap(clawerr.KindUnauthorized, "tailscale whois", err)
	}
	if out.UserProfile.LoginName == "" {
		return "", clawerr.New(clawerr.KindUnauthorized, "tailscale peer unknown")
	}
	return out.UserProfile.LoginName, nil
}

// failLimiter counts failed auth attempts per IP over a rolling window.
type failLimiter struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	attempts  map[string][]time.Time
}

func newFailLimiter(threshold int, window time.Duration) *failLimiter {
	return &failLimiter{
		threshold: threshold,
		window:    window,
		attempts:  make(map[string][]time.Time),
	}
}

func (l *failLimiter) record(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[ip] = append(l.prune(ip), time.Now())
}

func (l *failLimiter) blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	recent := l.prune(ip)
	if len(recent) == 0 {
		delete(l.attempts, ip)
	} else {
		l.attempts[ip] = recent
	}
	return len(recent) >= l.threshold
}

// prune returns the attempts still inside the window. Caller holds mu.
func (l *failLimiter) prune(ip string) []time.Time {
	cutoff := time.Now().Add(-l.window)
	var recent []time.Time
	for _, t := range l.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

// OriginPolicy enforces the browser-WebSocket surface rules: an origin
// allowlist (empty allows all) and a cap on concurrent loopback
// connections.
type OriginPolicy struct {
	allowed       map[string]bool
	loopbackLimit int

	mu       sync.Mutex
	loopback int
}

// NewOriginPolicy builds the policy from browser config.
func NewOriginPolicy(cfg config.BrowserConfig) *OriginPolicy {
	limit := cfg.LoopbackLimit
	if limit <= 0 {
		limit = 10
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}
	return &OriginPolicy{allowed: allowed, loopbackLimit: limit}
}

// CheckOrigin validates the Origin header against the allowlist.
func (p *OriginPolicy) CheckOrigin(origin string) error {
	if origin == "" || len(p.allowed) == 0 {
		return nil
	}
	if !p.allowed[strings.ToLower(strings.TrimSuffix(origin, "/"))] {
		return clawerr.Newf(clawerr.KindUnauthorized, "origin %q not allowed", origin)
	}
	return nil
}

// AcquireLoopback reserves a loopback connection slot. Release with
// ReleaseLoopback when the connection closes. Non-loopback peers are
// never counted.
func (p *OriginPolicy) AcquireLoopback(remoteIP string) error {
	ip := net.ParseIP(remoteIP)
	if ip == nil || !ip.IsLoopback() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loopback >= p.loopbackLimit {
		return clawerr.Newf(clawerr.KindConnectionFailed, "loopback connection limit %d reached", p.loopbackLimit)
	}
	p.loopback++
	return nil
}

// ReleaseLoopback frees a slot taken by AcquireLoopback.
func (p *OriginPolicy) ReleaseLoopback(remoteIP string) {
	ip := net.ParseIP(remoteIP)
	if ip == nil || !ip.IsLoopback() {
		return
	}
	p.mu.Lock()
	if p.loopback > 0 {
		p.loopback--
	}
	p.mu.Unlock()
}
