package identity

import (
	"encoding/base64"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// Base64URLEncode encodes per RFC 4648 §5 without padding.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode accepts both padded and unpadded base64url input.
func Base64URLDecode(s string) ([]byte, error) {
	if out, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	out, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindSerialization, "decode base64url", err)
	}
	return out, nil
}
