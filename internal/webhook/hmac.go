package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error signature checks return, so callers
// cannot leak which part failed.
var errVerification = errors.New("webhook verification failed")

// verifySignature checks an HMAC-SHA256 signature of body in constant time.
// Accepted forms are "sha256=<hex>" and bare "<hex>".
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return errVerification
	}
	return nil
}

// sign returns the "sha256=<hex>" signature a sender should put in the
// signature header.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
