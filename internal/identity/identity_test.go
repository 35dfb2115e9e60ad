package identity

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateDerivesDeviceID(t *testing.T) {
	ident, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := Base64URLDecode(ident.PublicKeyRaw)
	if err != nil {
		t.Fatal(err)
	}
	if DeriveDeviceID(raw) != ident.DeviceID {
		t.Fatal("device id does not match sha256 of raw public key")
	}
	if len(ident.DeviceID) != 64 {
		t.Fatalf("device id length = %d, want 64 hex chars", len(ident.DeviceID))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ident, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	priv, err := ident.PrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := Base64URLDecode(ident.PublicKeyRaw)

	payload := SignaturePayload{
		DeviceID:   ident.DeviceID,
		ClientID:   "cli",
		ClientMode: "bridge",
		Role:       "operator",
		Scopes:     []string{"operator.read", "operator.write"},
		SignedAtMs: 1700000000000,
		Token:      "secret",
		Nonce:      "7b0d…nonce",
	}.StringV2()

	sig := Sign(priv, payload)
	if !Verify(raw, payload, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(raw, payload+"x", sig) {
		t.Fatal("tampered payload accepted")
	}
	sig[0] ^= 0xff
	if Verify(raw, payload, sig) {
		t.Fatal("tampered signature accepted")
	}
}

func TestSignaturePayloadStrings(t *testing.T) {
	p := SignaturePayload{
		DeviceID:     "dev",
		ClientID:     "cli",
		ClientMode:   "ui",
		Role:         "operator",
		Scopes:       []string{"a", "b"},
		SignedAtMs:   42,
		Token:        "tok",
		Nonce:        "n",
		Platform:     " MacOS ",
		DeviceFamily: "Läptop",
	}
	if got, want := p.StringV2(), "v2|dev|cli|ui|operator|a,b|42|tok|n"; got != want {
		t.Fatalf("v2 payload = %q, want %q", got, want)
	}
	if got, want := p.StringV3(), "v3|dev|cli|ui|operator|a,b|42|tok|n|macos|lptop"; got != want {
		t.Fatalf("v3 payload = %q, want %q", got, want)
	}
}

func TestNormalizeMetadata(t *testing.T) {
	if got := NormalizeMetadata("  MacBook Prö "); got != "macbook pr" {
		t.Fatalf("got %q", got)
	}
}

func TestBase64URLRoundTrip(t *testing.T) {
	data := []byte{0xfb, 0xff, 0x00, 0x3e, 0x3f, 0x7f}
	enc := Base64URLEncode(data)
	if strings.ContainsAny(enc, "+/=") {
		t.Fatalf("encoded output %q contains forbidden chars", enc)
	}
	dec, err := Base64URLDecode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, data) {
		t.Fatal("round trip mismatch")
	}
	// Padded input is accepted too.
	if _, err := Base64URLDecode(enc + strings.Repeat("=", (4-len(enc)%4)%4)); err != nil {
		t.Fatal(err)
	}
}

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	first, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first.DeviceID != second.DeviceID {
		t.Fatal("identity not stable across loads")
	}
}
