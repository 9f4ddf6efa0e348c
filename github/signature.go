package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks a webhook body against its X-Hub-Signature-256 header.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return ErrSignatureMissing
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return ErrSignatureMismatch
	}
	return nil
}
