// Package identity manages the Ed25519 device identity used by the
// gateway handshake: keypair generation, PEM persistence, device-id
// derivation and the signed connect payload.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// DeviceIdentity is the persisted device keypair plus derived metadata.
// DeviceID is always hex(SHA-256(raw public key)).
type DeviceIdentity struct {
	DeviceID      string `json:"deviceId"`
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	PublicKeyRaw  string `json:"publicKey"` // base64url, no padding
	PublicKeyPEM  string `json:"publicKeyPem"`
	PrivateKeyPEM string `json:"privateKeyPem"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// Generate creates a fresh Ed25519 device identity.
func Generate() (*DeviceIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindInternal, "generate device keypair", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindInternal, "encode private key", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindInternal, "encode public key", err)
	}
	hostname, _ := os.Hostname()
	return &DeviceIdentity{
		DeviceID:      DeriveDeviceID(pub),
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		PublicKeyRaw:  Base64URLEncode(pub),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		CreatedAtMs:   time.Now().UnixMilli(),
	}, nil
}

// DeriveDeviceID returns hex(SHA-256(raw public key)).
func DeriveDeviceID(rawPublicKey []byte) string {
	sum := sha256.Sum256(rawPublicKey)
	return hex.EncodeToString(sum[:])
}

// PrivateKey parses the stored PKCS#8 private key.
func (d *DeviceIdentity) PrivateKey() (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(d.PrivateKeyPEM))
	if block == nil {
		return nil, clawerr.Internal("device private key PEM decode failed")
	}
	pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindInternal, "parse device private key", err)
	}
	ed, ok := pk.(ed25519.PrivateKey)
	if !ok {
		return nil, clawerr.Newf(clawerr.KindInternal, "device private key is %T, want ed25519", pk)
	}
	return ed, nil
}

// Load reads the device identity from <stateDir>/identity/device.json,
// generating and persisting a new one when the file is absent.
func Load(stateDir string) (*DeviceIdentity, error) {
	path := filepath.Join(stateDir, "identity", "device.json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		ident, genErr := Generate()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := Save(stateDir, ident); saveErr != nil {
			return nil, saveErr
		}
		return ident, nil
	}
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindIO, "read device identity", err)
	}
	var ident DeviceIdentity
	if err := json.Unmarshal(raw, &ident); err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "parse device identity", err)
	}
	if strings.TrimSpace(ident.DeviceID) == "" || strings.TrimSpace(ident.PrivateKeyPEM) == "" {
		return nil, clawerr.Serialization("device identity missing deviceId or keys")
	}
	return &ident, nil
}

// Save persists the identity with owner-only permissions.
func Save(stateDir string, ident *DeviceIdentity) error {
	dir := filepath.Join(stateDir, "identity")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return clawerr.Wrap(clawerr.KindIO, "create identity dir", err)
	}
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "encode device identity", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "device.json"), append(data, '\n'), 0o600); err != nil {
		return clawerr.Wrap(clawerr.KindIO, "write device identity", err)
	}
	return nil
}

// SignaturePayload describes the fields covered by the connect signature.
type SignaturePayload struct {
	DeviceID     string
	ClientID     string
	ClientMode   string
	Role         string
	Scopes       []string
	SignedAtMs   int64
	Token        string
	Nonce        string
	Platform     string // v3 only
	DeviceFamily string // v3 only
}

// StringV2 builds the v2 signing input:
// "v2|deviceId|clientId|clientMode|role|scope1,scope2|signedAt|token|nonce".
func (p SignaturePayload) StringV2() string {
	parts := []string{
		"v2",
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		fmt.Sprintf("%d", p.SignedAtMs),
		p.Token,
		p.Nonce,
	}
	return strings.Join(parts, "|")
}

// StringV3 extends v2 with normalized platform and device family segments.
func (p SignaturePayload) StringV3() string {
	return strings.Join([]string{
		"v3",
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		fmt.Sprintf("%d", p.SignedAtMs),
		p.Token,
		p.Nonce,
		NormalizeMetadata(p.Platform),
		NormalizeMetadata(p.DeviceFamily),
	}, "|")
}

// NormalizeMetadata trims, ASCII-lowercases and drops non-ASCII runes.
func NormalizeMetadata(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if r > 127 {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Sign signs the payload bytes with the device private key.
func Sign(priv ed25519.PrivateKey, payload string) []byte {
	return ed25519.Sign(priv, []byte(payload))
}

// Verify checks an Ed25519 signature over the payload.
func Verify(rawPublicKey []byte, payload string, signature []byte) bool {
	if len(rawPublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(rawPublicKey), []byte(payload), signature)
}
