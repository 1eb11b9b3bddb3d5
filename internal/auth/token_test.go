package auth

import (
    "errors"
    "testing"
    "time"
)

func TestGenerateAndValidateToken(t *testing.T) {
    sec := "secret123"
    sid := "abc"
    exp := time.Now().Add(5 * time.Minute).Unix()

    tok, err := GenerateClientToken(sec, sid, exp)
    if err != nil { t.Fatalf("gen: %v", err) }

    gotSID, gotExp, err := ValidateClientToken(sec, tok, sid, time.Now(), 60)
    if err != nil { t.Fatalf("validate: %v", err) }
    if gotSID != sid || gotExp != exp {
        t.Fatalf("mismatch: %s/%d", gotSID, gotExp)
    }
}

func TestBadSignature(t *testing.T) {
    sec := "secret123"
    exp := time.Now().Add(5 * time.Minute).Unix()
    tok, _ := GenerateClientToken(sec, "abc", exp)

    _, _, err := ValidateClientToken("other", tok, "abc", time.Now(), 60)
    if !errors.Is(err, ErrTokenSig) {
        t.Fatalf("expected signature error, got %v", err)
    }
}

func TestTokenSessionMismatch(t *testing.T) {
    tok, _ := GenerateClientToken("s", "abc", time.Now().Add(time.Minute).Unix())
    if _, _, err := ValidateClientToken("s", tok, "xyz", time.Now(), 0); !errors.Is(err, ErrTokenSID) {
        t.Fatalf("expected sid mismatch, got %v", err)
    }
}

func TestTokenExpiryHonoursSkew(t *testing.T) {
    exp := time.Now().Add(-30 * time.Second).Unix()
    tok, _ := GenerateClientToken("s", "abc", exp)
    if _, _, err := ValidateClientToken("s", tok, "abc", time.Now(), 60); err != nil {
        t.Fatalf("within skew: %v", err)
    }
    if _, _, err := ValidateClientToken("s", tok, "abc", time.Now(), 0); !errors.Is(err, ErrTokenExp) {
        t.Fatalf("expected expiry, got %v", err)
    }
}

func TestTokenFormat(t *testing.T) {
    if _, _, err := ValidateClientToken("s", "!!!", "", time.Now(), 0); !errors.Is(err, ErrTokenFormat) {
        t.Fatalf("expected format error, got %v", err)
    }
    if _, err := GenerateClientToken("", "abc", 0); !errors.Is(err, ErrNoSecret) {
        t.Fatalf("expected missing secret, got %v", err)
    }
}

func TestBearerToken(t *testing.T) {
    if got := BearerToken("Bearer abc"); got != "abc" {
        t.Fatalf("got %q", got)
    }
    if got := BearerToken("bearer  xyz "); got != "xyz" {
        t.Fatalf("got %q", got)
    }
    if got := BearerToken("Basic abc"); got != "" {
        t.Fatalf("got %q", got)
    }
}
