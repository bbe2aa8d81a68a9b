package fleet

import "time"

// WebAuthnCredential is one registered passkey. The raw credential id
// is the primary key; UserID links back to the owning account.
type WebAuthnCredential struct {
	ID              []byte                `json:"id"`
	PublicKey       []byte                `json:"publicKey"` // COSE-encoded
	AttestationType string                `json:"attestationType"`
	Transport       []string              `json:"transport,omitempty"`
	Flags           WebAuthnFlags         `json:"flags"`
	Authenticator   WebAuthnAuthenticator `json:"authenticator"`
	UserID          string                `json:"userId"`
	Name            string                `json:"name"` // operator-chosen label
	CreatedAt       time.Time             `json:"createdAt"`
	LastUsedAt      *time.Time            `json:"lastUsedAt,omitempty"`
}

// WebAuthnFlags mirrors the go-webauthn credential flags.
type WebAuthnFlags struct {
	UserPresent    bool `json:"userPresent"`
	UserVerified   bool `json:"userVerified"`
	BackupEligible bool `json:"backupEligible"`
	BackupState    bool `json:"backupState"`
}

// WebAuthnAuthenticator holds authenticator metadata, including the
// signature counter used for clone detection.
type WebAuthnAuthenticator struct {
	AAGUID       []byte `json:"aaguid"`
	SignCount    uint32 `json:"signCount"`
	CloneWarning bool   `json:"cloneWarning"`
	Attachment   string `json:"attachment"`
}
