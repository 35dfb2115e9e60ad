package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/identity"
	"github.com/openclaw/openclaw/internal/version"
)

// MaxSignatureSkewMs bounds |now - signedAt| on connect.
const MaxSignatureSkewMs = 120_000

// TickIntervalMs is the policy heartbeat interval advertised in hello-ok.
const TickIntervalMs = 15_000

// ConnectParams is the payload of the "connect" request.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      string         `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Auth        ConnectAuth    `json:"auth"`
	Device      ConnectDevice  `json:"device"`
}

// ConnectAuth carries the bearer credential inside connect params.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectDevice is the signed device identity block.
type ConnectDevice struct {
	ID           string `json:"id"`
	PublicKey    string `json:"publicKey"` // raw key, base64url
	SignedAt     int64  `json:"signedAt"`  // unix millis
	Nonce        string `json:"nonce"`
	Signature    string `json:"signature"` // base64url
	ClientID     string `json:"clientId"`
	ClientMode   string `json:"clientMode"`
	Platform     string `json:"platform,omitempty"`
	DeviceFamily string `json:"deviceFamily,omitempty"`
}

// HandshakeResult is what a validated connect grants the connection.
type HandshakeResult struct {
	Principal string
	DeviceID  string
	PublicKey []byte
	Role      string
	Scopes    []string
}

// helloOK is the hello-ok result body.
func helloOK() map[string]any {
	return map[string]any{
		"type":     "hello-ok",
		"protocol": version.Protocol,
		"policy":   map[string]any{"tickIntervalMs": TickIntervalMs},
	}
}

// validateConnect runs the connect validation sequence. Checks run in a
// fixed order and the first failure wins: protocol window, credential,
// device id derivation, signature timestamp skew, challenge nonce, and
// finally the Ed25519 signature itself.
func validateConnect(ctx context.Context, auth *Authenticator, params ConnectParams, nonce, remoteIP string, trustedProxy bool) (*HandshakeResult, error) {
	if version.Protocol < params.MinProtocol || version.Protocol > params.MaxProtocol {
		return nil, clawerr.Newf(clawerr.KindProtocol,
			"protocol %d outside client range [%d, %d]",
			version.Protocol, params.MinProtocol, params.MaxProtocol)
	}

	cred := Credential{Token: params.Auth.Token, Source: "connect"}
	principal, err := auth.Verify(ctx, cred, remoteIP)
	if err != nil {
		return nil, err
	}

	rawKey, err := identity.Base64URLDecode(params.Device.PublicKey)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindUnauthorized, "decode device public key", err)
	}
	if derived := identity.DeriveDeviceID(rawKey); derived != params.Device.ID {
		return nil, clawerr.New(clawerr.KindUnauthorized, "device id does not match public key")
	}

	skew := time.Now().UnixMilli() - params.Device.SignedAt
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSignatureSkewMs {
		return nil, clawerr.New(clawerr.KindUnauthorized, "signature timestamp out of window").
			WithDetail("clock_skew")
	}

	if params.Device.Nonce != nonce {
		return nil, clawerr.New(clawerr.KindUnauthorized, "challenge nonce mismatch")
	}

	payload := identity.SignaturePayload{
		DeviceID:     params.Device.ID,
		ClientID:     params.Device.ClientID,
		ClientMode:   params.Device.ClientMode,
		Role:         params.Role,
		Scopes:       params.Scopes,
		SignedAtMs:   params.Device.SignedAt,
		Token:        params.Auth.Token,
		Nonce:        params.Device.Nonce,
		Platform:     params.Device.Platform,
		DeviceFamily: params.Device.DeviceFamily,
	}
	signingInput := payload.StringV2()
	if params.Device.Platform != "" || params.Device.DeviceFamily != "" {
		signingInput = payload.StringV3()
	}
	sig, err := identity.Base64URLDecode(params.Device.Signature)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindUnauthorized, "decode device signature", err)
	}
	if !identity.Verify(rawKey, signingInput, sig) {
		return nil, clawerr.New(clawerr.KindUnauthorized, "device signature invalid")
	}

	return &HandshakeResult{
		Principal: principal,
		DeviceID:  params.Device.ID,
		PublicKey: rawKey,
		Role:      params.Role,
		Scopes:    grantScopes(params.Role, params.Scopes, trustedProxy),
	}, nil
}

// grantScopes applies the pairing rule: the operator role arriving via
// a trusted reverse proxy keeps its claimed scopes; every other caller
// has the operator scope stripped.
func grantScopes(role string, claimed []string, trustedProxy bool) []string {
	if role == "operator" && trustedProxy {
		return claimed
	}
	var granted []string
	for _, s := range claimed {
		if s == "operator" && role != "operator" {
			continue
		}
		granted = append(granted, s)
	}
	return granted
}

// decodeConnectParams parses the connect request params.
func decodeConnectParams(raw json.RawMessage) (ConnectParams, error) {
	var params ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, clawerr.Wrap(clawerr.KindSerialization, "parse connect params", err)
	}
	return params, nil
}
