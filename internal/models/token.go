package models

import "time"

// HandoffToken is the stored side of a one-time session transfer capability.
// The signed token string handed to the clinician references this record by
// nonce; the record is what enforces single use.
type HandoffToken struct {
	Nonce             string     `json:"nonce"`
	SessionID         string     `json:"session_id"`
	IssuerFingerprint string     `json:"issuer_fingerprint"`
	EncryptedPayload  []byte     `json:"encrypted_payload"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	RedeemedAt        *time.Time `json:"redeemed_at,omitempty"`
	RedeemedBy        string     `json:"redeemed_by,omitempty"`
}
