package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/hooks"
	"github.com/openclaw/openclaw/internal/identity"
)

func TestFrameRoundTrip(t *testing.T) {
	ok := true
	frames := []*Frame{
		{Type: FrameRequest, ID: "c1", Method: "ping", Params: json.RawMessage(`{"a":1}`)},
		{Type: FrameResponse, ID: "c1", OK: &ok, Result: json.RawMessage(`{"pong":true}`)},
		{Type: FrameEvent, Event: "tick", Payload: json.RawMessage(`{"n":3}`)},
	}
	for _, f := range frames {
		data, err := f.Serialize()
		if err != nil {
			t.Fatal(err)
		}
		got, err := ParseFrame(data)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := json.Marshal(f)
		have, _ := json.Marshal(got)
		if string(want) != string(have) {
			t.Fatalf("round trip: %s != %s", have, want)
		}
	}
}

func TestParseFrameInference(t *testing.T) {
	f, err := ParseFrame([]byte(`{"id":"x","method":"ping"}`))
	if err != nil || f.Type != FrameRequest {
		t.Fatalf("request inference: %v %v", f, err)
	}
	if string(f.Params) != "{}" {
		t.Fatalf("params default = %s", f.Params)
	}
	f, err = ParseFrame([]byte(`{"event":"tick"}`))
	if err != nil || f.Type != FrameEvent {
		t.Fatalf("event inference: %v %v", f, err)
	}
	f, err = ParseFrame([]byte(`{"id":"x","result":{"ok":1}}`))
	if err != nil || f.Type != FrameResponse {
		t.Fatalf("response inference: %v %v", f, err)
	}

	// Explicit type wins over shape.
	f, err = ParseFrame([]byte(`{"type":"event","event":"e","method":"m"}`))
	if err != nil || f.Type != FrameEvent {
		t.Fatalf("type field should win: %v %v", f, err)
	}

	if _, err = ParseFrame([]byte(`{"id":"only"}`)); !clawerr.Is(err, clawerr.KindProtocol) {
		t.Fatalf("undecidable shape error = %v", err)
	}
	if _, err = ParseFrame([]byte(`{not json`)); !clawerr.Is(err, clawerr.KindSerialization) {
		t.Fatalf("malformed error = %v", err)
	}
}

func TestFailLimiterBlocksAfterThreshold(t *testing.T) {
	l := newFailLimiter(5, time.Minute)
	for i := 0; i < 4; i++ {
		l.record("1.2.3.4")
	}
	if l.blocked("1.2.3.4") {
		t.Fatal("blocked before threshold")
	}
	l.record("1.2.3.4")
	if !l.blocked("1.2.3.4") {
		t.Fatal("not blocked at threshold")
	}
	if l.blocked("5.6.7.8") {
		t.Fatal("unrelated ip blocked")
	}
}

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy(config.BrowserConfig{
		AllowedOrigins: []string{"https://ui.example.com"},
		LoopbackLimit:  2,
	})
	if err := p.CheckOrigin("https://ui.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckOrigin(""); err != nil {
		t.Fatal("empty origin should pass")
	}
	if err := p.CheckOrigin("https://evil.example.com"); !clawerr.Is(err, clawerr.KindUnauthorized) {
		t.Fatalf("disallowed origin error = %v", err)
	}

	open := NewOriginPolicy(config.BrowserConfig{LoopbackLimit: 2})
	if err := open.CheckOrigin("https://anything.example.com"); err != nil {
		t.Fatal("empty allowlist should allow all")
	}

	if err := open.AcquireLoopback("127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := open.AcquireLoopback("127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := open.AcquireLoopback("127.0.0.1"); err == nil {
		t.Fatal("loopback cap not enforced")
	}
	open.ReleaseLoopback("127.0.0.1")
	if err := open.AcquireLoopback("127.0.0.1"); err != nil {
		t.Fatal("slot not released")
	}
	// Non-loopback peers are never counted.
	if err := open.AcquireLoopback("10.0.0.1"); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticatorToken(t *testing.T) {
	a := NewAuthenticator(config.GatewayConfig{AuthMode: "token", Token: "s3cret"})
	if _, err := a.Verify(context.Background(), Credential{Token: "s3cret"}, "1.1.1.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Verify(context.Background(), Credential{Token: "wrong"}, "1.1.1.1"); !clawerr.Is(err, clawerr.KindUnauthorized) {
		t.Fatalf("wrong token error = %v", err)
	}
	// Five failures trip the limiter; even the right token is refused.
	for i := 0; i < 4; i++ {
		a.Verify(context.Background(), Credential{Token: "wrong"}, "2.2.2.2")
	}
	a.Verify(context.Background(), Credential{Token: "wrong"}, "2.2.2.2")
	if _, err := a.Verify(context.Background(), Credential{Token: "s3cret"}, "2.2.2.2"); err == nil {
		t.Fatal("limiter did not trip")
	}
}

// testServer starts a gateway on a random loopback port.
func testServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(
		config.GatewayConfig{Bind: "127.0.0.1", Port: 0, AuthMode: "token", Token: "tok", MaxConnections: 8},
		config.BrowserConfig{LoopbackLimit: 10},
		hooks.NewRegistry(),
		Deps{},
	)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialGateway(t *testing.T, s *Server) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func dialGatewayWithOrigin(t *testing.T, s *Server, origin string) *wsClient {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", origin)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", header)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) readFrame() *Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatal(err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		c.t.Fatal(err)
	}
	return f
}

func (c *wsClient) writeFrame(f *Frame) {
	c.t.Helper()
	data, err := f.Serialize()
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatal(err)
	}
}

// connect performs the challenge/connect handshake, signing with a
// fresh device key. signedAt lets tests shift the timestamp.
func (c *wsClient) connect(ident *identity.DeviceIdentity, priv ed25519.PrivateKey, signedAt int64) *Frame {
	c.t.Helper()
	return c.connectAs(ident, priv, signedAt, "operator")
}

func (c *wsClient) connectAs(ident *identity.DeviceIdentity, priv ed25519.PrivateKey, signedAt int64, role string) *Frame {
	c.t.Helper()

	challenge := c.readFrame()
	if challenge.Event != "connect.challenge" {
		c.t.Fatalf("first frame = %+v", challenge)
	}
	var ch struct {
		Nonce string `json:"nonce"`
		TS    int64  `json:"ts"`
	}
	if err := json.Unmarshal(challenge.Payload, &ch); err != nil {
		c.t.Fatal(err)
	}

	scopes := []string{"send", "sessions", "memory"}
	payload := identity.SignaturePayload{
		DeviceID:   ident.DeviceID,
		ClientID:   "cli-1",
		ClientMode: "bridge",
		Role:       role,
		Scopes:     scopes,
		SignedAtMs: signedAt,
		Token:      "tok",
		Nonce:      ch.Nonce,
	}
	sig := identity.Sign(priv, payload.StringV2())

	req, err := NewRequest("c1", "connect", ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client:      "test",
		Role:        role,
		Scopes:      scopes,
		Auth:        ConnectAuth{Token: "tok"},
		Device: ConnectDevice{
			ID:         ident.DeviceID,
			PublicKey:  ident.PublicKeyRaw,
			SignedAt:   signedAt,
			Nonce:      ch.Nonce,
			Signature:  identity.Base64URLEncode(sig),
			ClientID:   "cli-1",
			ClientMode: "bridge",
		},
	})
	if err != nil {
		c.t.Fatal(err)
	}
	c.writeFrame(req)
	return c.readFrame()
}

func newDevice(t *testing.T) (*identity.DeviceIdentity, ed25519.PrivateKey) {
	t.Helper()
	ident, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	priv, err := ident.PrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return ident, priv
}

func TestHandshakeHappyPath(t *testing.T) {
	s := testServer(t)
	client := dialGateway(t, s)
	ident, priv := newDevice(t)

	resp := client.connect(ident, priv, time.Now().UnixMilli())
	if resp.Type != FrameResponse || resp.OK == nil || !*resp.OK {
		t.Fatalf("handshake response = %+v", resp)
	}
	var hello struct {
		Type     string `json:"type"`
		Protocol int    `json:"protocol"`
		Policy   struct {
			TickIntervalMs int `json:"tickIntervalMs"`
		} `json:"policy"`
	}
	if err := json.Unmarshal(resp.Result, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != "hello-ok" || hello.Protocol != 3 || hello.Policy.TickIntervalMs != 15000 {
		t.Fatalf("hello = %+v", hello)
	}

	// Connection is live and scoped: a scoped method dispatches.
	ping, _ := NewRequest("c2", "ping", map[string]any{})
	client.writeFrame(ping)
	pong := client.readFrame()
	if pong.OK == nil || !*pong.OK {
		t.Fatalf("ping response = %+v", pong)
	}
}

func TestHandshakeStaleSignatureRejected(t *testing.T) {
	s := testServer(t)
	client := dialGateway(t, s)
	ident, priv := newDevice(t)

	resp := client.connect(ident, priv, time.Now().UnixMilli()-3*60*1000)
	if resp.OK == nil || *resp.OK {
		t.Fatalf("stale handshake accepted: %+v", resp)
	}
	if resp.Error == nil || resp.Error.Code != int(clawerr.KindUnauthorized) {
		t.Fatalf("error = %+v", resp.Error)
	}

	// The server closes the connection after a failed handshake.
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after failed handshake")
	}
}

func TestBrowserConnectionsRequireOperator(t *testing.T) {
	s := NewServer(
		config.GatewayConfig{Bind: "127.0.0.1", Port: 0, AuthMode: "token", Token: "tok", MaxConnections: 8},
		config.BrowserConfig{LoopbackLimit: 10, RequireOperator: true},
		hooks.NewRegistry(),
		Deps{},
	)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	ident, priv := newDevice(t)

	client := dialGatewayWithOrigin(t, s, "https://ui.example.com")
	resp := client.connectAs(ident, priv, time.Now().UnixMilli(), "viewer")
	if resp.OK == nil || *resp.OK {
		t.Fatalf("viewer admitted over browser origin: %+v", resp)
	}
	if resp.Error == nil || resp.Error.Code != int(clawerr.KindUnauthorized) {
		t.Fatalf("error = %+v", resp.Error)
	}

	// The operator role passes over the same origin.
	client = dialGatewayWithOrigin(t, s, "https://ui.example.com")
	if resp := client.connectAs(ident, priv, time.Now().UnixMilli(), "operator"); resp.OK == nil || !*resp.OK {
		t.Fatalf("operator rejected over browser origin: %+v", resp)
	}

	// Connections without an Origin header are not browser surfaces.
	client = dialGateway(t, s)
	if resp := client.connectAs(ident, priv, time.Now().UnixMilli(), "viewer"); resp.OK == nil || !*resp.OK {
		t.Fatalf("non-browser viewer rejected: %+v", resp)
	}
}

func TestDispatchRejectsBeforeConnect(t *testing.T) {
	s := testServer(t)
	client := dialGateway(t, s)

	client.readFrame() // challenge
	ping, _ := NewRequest("c1", "ping", map[string]any{})
	client.writeFrame(ping)
	resp := client.readFrame()
	if resp.OK == nil || *resp.OK {
		t.Fatalf("pre-connect dispatch succeeded: %+v", resp)
	}
}

func TestDispatchUnknownMethodAndScopes(t *testing.T) {
	s := testServer(t)
	s.RegisterMethod("admin.only", "admin", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		return "ok", nil
	})
	client := dialGateway(t, s)
	ident, priv := newDevice(t)
	if resp := client.connect(ident, priv, time.Now().UnixMilli()); resp.OK == nil || !*resp.OK {
		t.Fatalf("handshake failed: %+v", resp)
	}

	req, _ := NewRequest("c2", "no.such.method", map[string]any{})
	client.writeFrame(req)
	resp := client.readFrame()
	if resp.Error == nil || resp.Error.Code != int(clawerr.KindNotFound) {
		t.Fatalf("unknown method error = %+v", resp.Error)
	}

	req, _ = NewRequest("c3", "admin.only", map[string]any{})
	client.writeFrame(req)
	resp = client.readFrame()
	if resp.Error == nil || resp.Error.Code != int(clawerr.KindUnauthorized) {
		t.Fatalf("scope check error = %+v", resp.Error)
	}
}

func TestBroadcastReachesAuthedConnections(t *testing.T) {
	s := testServer(t)
	client := dialGateway(t, s)
	ident, priv := newDevice(t)
	if resp := client.connect(ident, priv, time.Now().UnixMilli()); resp.OK == nil || !*resp.OK {
		t.Fatalf("handshake failed: %+v", resp)
	}

	s.Broadcast("agent.tick", map[string]any{"n": 1})
	evt := client.readFrame()
	if evt.Type != FrameEvent || evt.Event != "agent.tick" {
		t.Fatalf("broadcast frame = %+v", evt)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := testServer(t)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestResolveCredentialPrecedence(t *testing.T) {
	req := newHTTPRequest(t, map[string]string{"Authorization": "Bearer abc"}, "?token=qp", "cv")
	if c := ResolveCredential(req, AuthToken); c.Token != "abc" || c.Source != "header" {
		t.Fatalf("header precedence: %+v", c)
	}
	req = newHTTPRequest(t, nil, "?token=qp", "cv")
	if c := ResolveCredential(req, AuthToken); c.Token != "qp" || c.Source != "query" {
		t.Fatalf("query precedence: %+v", c)
	}
	req = newHTTPRequest(t, nil, "", "cv")
	if c := ResolveCredential(req, AuthToken); c.Token != "cv" || c.Source != "cookie" {
		t.Fatalf("cookie precedence: %+v", c)
	}
	req = newHTTPRequest(t, nil, "", "")
	if c := ResolveCredential(req, AuthTailscale); c.Source != "tailscale" {
		t.Fatalf("tailscale fallback: %+v", c)
	}
}

func newHTTPRequest(t *testing.T, headers map[string]string, query, cookie string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://gw.local/ws"+query, nil)
	req.RemoteAddr = "100.64.0.7:51000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: cookie})
	}
	return req
}

func TestValidateAvatarPath(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "avatar.png")
	if err := os.WriteFile(good, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateAvatarPath(good, root); err != nil {
		t.Fatal(err)
	}

	outside := filepath.Join(t.TempDir(), "outside.png")
	if err := os.WriteFile(outside, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateAvatarPath(outside, root); !clawerr.Is(err, clawerr.KindIO) {
		t.Fatalf("escape error = %v", err)
	}

	link := filepath.Join(root, "link.png")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks unavailable")
	}
	if _, err := ValidateAvatarPath(link, root); err == nil {
		t.Fatal("symlink accepted")
	}

	big := filepath.Join(root, "big.png")
	if err := os.WriteFile(big, make([]byte, MaxAvatarBytes+1), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateAvatarPath(big, root); !clawerr.Is(err, clawerr.KindIO) {
		t.Fatalf("oversize error = %v", err)
	}

	if _, err := ValidateAvatarPath(filepath.Join(root, "missing.png"), root); !clawerr.Is(err, clawerr.KindNotFound) {
		t.Fatalf("missing error = %v", err)
	}
}

func TestSanitizeHTML(t *testing.T) {
	cases := map[string]string{
		`hello <script>alert(1)</script>world`:        "hello world",
		`<a href="javascript:alert(1)">x</a>`:         `<a href="alert(1)">x</a>`,
		`<img src="x.png" onerror="alert(1)">`:        `<img src="x.png">`,
		`<div onclick='go()' class="ok">safe</div>`:   `<div class="ok">safe</div>`,
		`plain text`:                                  `plain text`,
	}
	for in, want := range cases {
		if got := SanitizeHTML(in); got != want {
			t.Errorf("SanitizeHTML(%q) = %q, want %q", in, got, want)
		}
	}
}
