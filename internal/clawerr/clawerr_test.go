package clawerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Unauthorized("bad token")
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("foreign errors should classify as internal")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(KindIO, "persist delivery", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
	if !Is(err, KindIO) {
		t.Fatal("kind lost in wrap")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindDatabase, "query", nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}

func TestWrapThroughFmtErrorf(t *testing.T) {
	inner := Session("session closed")
	outer := fmt.Errorf("touch: %w", inner)
	if !Is(outer, KindSession) {
		t.Fatal("kind must survive fmt.Errorf wrapping")
	}
}

func TestWithDetail(t *testing.T) {
	err := Unauthorized("signature timestamp out of window").WithDetail("clock_skew")
	if err.Detail != "clock_skew" {
		t.Fatalf("detail = %q", err.Detail)
	}
	if Unauthorized("x").Detail != "" {
		t.Fatal("WithDetail must not mutate the receiver template")
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindNotFound:      "not_found",
		KindUnauthorized:  "unauthorized",
		KindSerialization: "serialization_error",
		KindChannel:       "channel_error",
		KindProvider:      "provider_error",
	}
	for k, want := range cases {
		if k.String() != want {
			t.Errorf("%d String() = %q, want %q", k, k.String(), want)
		}
	}
}
