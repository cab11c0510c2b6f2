package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// makeState signs raw with key; the result is raw.sig.
func makeState(key []byte, raw string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(raw))
	return raw + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verifyState checks the signature and returns the raw part.
func verifyState(key []byte, got string) (string, bool) {
	i := strings.LastIndexByte(got, '.')
	if i <= 0 {
		return "", false
	}
	raw := got[:i]
	sig, err := base64.RawURLEncoding.DecodeString(got[i+1:])
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(raw))
	return raw, hmac.Equal(mac.Sum(nil), sig)
}
