package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Signer computes HMAC-SHA256 signatures over audit records so consumers
// can detect tampering.
type Signer struct {
	secretKey []byte
}

func NewSigner(secretKey string) *Signer {
	return &Signer{secretKey: []byte(secretKey)}
}

func (s *Signer) Sign(r Record) string {
	payload := r.ID + r.Timestamp.Format(time.RFC3339Nano) + r.ActionType + r.Identity + r.Reason + r.PatternID + r.AlertID
	if r.DurationMs != nil {
		payload += strconv.FormatInt(*r.DurationMs, 10)
	}
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Signer) Verify(r Record) bool {
	expected := s.Sign(r)
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}
