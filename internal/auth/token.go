package auth

import (
    "crypto/hmac"
    "crypto/sha256"
    "encoding/base64"
    "encoding/hex"
    "errors"
    "strconv"
    "strings"
    "time"
)

var (
    ErrTokenFormat = errors.New("invalid token format")
    ErrTokenSig    = errors.New("invalid token signature")
    ErrTokenExp    = errors.New("token expired")
    ErrTokenSID    = errors.New("session id mismatch")
    ErrNoSecret    = errors.New("client token secret not configured")
)

// GenerateClientToken issues the token a host presents when it attaches to a session.
// Format: base64url(session_id + "." + exp_unix + "." + hex(hmac_sha256(secret, session_id+"."+exp)))
func GenerateClientToken(secret, sessionID string, expUnix int64) (string, error) {
    if secret == "" {
        return "", ErrNoSecret
    }
    if sessionID == "" || strings.Contains(sessionID, ".") {
        return "", ErrTokenFormat
    }
    msg := sessionID + "." + strconv.FormatInt(expUnix, 10)
    raw := msg + "." + sign(secret, msg)
    return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// ValidateClientToken checks the signature and expiry and returns the embedded session
// id and expiry. An empty expectSessionID accepts any session.
func ValidateClientToken(secret, token, expectSessionID string, now time.Time, skewSeconds int) (string, int64, error) {
    if secret == "" {
        return "", 0, ErrNoSecret
    }
    b, err := base64.RawURLEncoding.DecodeString(token)
    if err != nil {
        return "", 0, ErrTokenFormat
    }
    parts := strings.Split(string(b), ".")
    if len(parts) != 3 {
        return "", 0, ErrTokenFormat
    }
    sid, expStr, sigHex := parts[0], parts[1], parts[2]
    exp, err := strconv.ParseInt(expStr, 10, 64)
    if err != nil {
        return "", 0, ErrTokenFormat
    }
    if expectSessionID != "" && sid != expectSessionID {
        return "", 0, ErrTokenSID
    }
    want, _ := hex.DecodeString(sign(secret, sid+"."+expStr))
    got, err := hex.DecodeString(sigHex)
    if err != nil {
        return "", 0, ErrTokenFormat
    }
    if !hmac.Equal(want, got) {
        return "", 0, ErrTokenSig
    }
    if now.Unix() > exp+int64(skewSeconds) {
        return "", 0, ErrTokenExp
    }
    return sid, exp, nil
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header value.
func BearerToken(header string) string {
    const prefix = "bearer "
    if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
        return strings.TrimSpace(header[len(prefix):])
    }
    return ""
}

func sign(secret, msg string) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write([]byte(msg))
    return hex.EncodeToString(mac.Sum(nil))
}
