package vault

import (
	"fmt"
	"maps"
	"time"

	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/errdefs"
)

// CredentialType classifies what a credential is used for.
type CredentialType string

const (
	TypeMeetingPlatform CredentialType = "meeting_platform"
	TypeCalendarOAuth   CredentialType = "calendar_oauth"
	TypeDashboardAPI    CredentialType = "dashboard_api"
	TypeWifiPassword    CredentialType = "wifi_password"
	TypeSSHKey          CredentialType = "ssh_key"
	TypeCertificate     CredentialType = "certificate"
	TypeAPIKey          CredentialType = "api_key"
	TypeGeneric         CredentialType = "generic"
)

var credentialTypes = []CredentialType{
	TypeMeetingPlatform, TypeCalendarOAuth, TypeDashboardAPI, TypeWifiPassword,
	TypeSSHKey, TypeCertificate, TypeAPIKey, TypeGeneric,
}

// ParseCredentialType validates a credential type name.
func ParseCredentialType(name string) (CredentialType, error) {
	for _, t := range credentialTypes {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown credential type %q: %w", name, errdefs.ErrInvalidInput)
}

// Status is the lifecycle state of a credential.
//
//	active -> expired           (time triggered, terminal)
//	active -> revoked           (explicit, terminal)
//	active -> pending_rotation -> active
type Status string

const (
	StatusActive          Status = "active"
	StatusExpired         Status = "expired"
	StatusRevoked         Status = "revoked"
	StatusPendingRotation Status = "pending_rotation"
)

// Credential is the non-secret record the vault keeps for each stored secret.
// The encrypted payload lives in its own file, vault_data/<id>.enc.
type Credential struct {
	ID           string         `json:"id"`
	Type         CredentialType `json:"type"`
	Name         string         `json:"name"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	LastAccessed *time.Time     `json:"last_accessed,omitempty"`
	LastRotated  *time.Time     `json:"last_rotated,omitempty"`
	Status       Status         `json:"status"`
	AccessCount  uint64         `json:"access_count"`
	// Cipher is the suite the payload file was sealed with.
	Cipher crypto.Suite `json:"cipher"`
	// RotatedCount counts updates made with rotate set.
	RotatedCount uint32 `json:"rotated_count"`
}

// Usable reports whether the credential is neither revoked nor expired.
func (c Credential) Usable() bool {
	return c.Status == StatusActive || c.Status == StatusPendingRotation
}

func (c Credential) expiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// clone returns a copy that shares nothing mutable with c.
func (c Credential) clone() Credential {
	out := c
	out.Metadata = maps.Clone(c.Metadata)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.LastAccessed = cloneTime(c.LastAccessed)
	out.LastRotated = cloneTime(c.LastRotated)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StoreRequest describes a new credential.
type StoreRequest struct {
	Type CredentialType
	Name string
	// Data is the secret payload. It is serialized as JSON and encrypted.
	Data map[string]any
	// Metadata is stored in the index alongside the record. It must not
	// contain secrets.
	Metadata map[string]any
	// ExpiresIn sets the expiry relative to now. Zero means the credential
	// never expires; a negative value stores an already expired credential.
	ExpiresIn time.Duration
	// ID is optional; a random UUID is assigned when empty.
	ID string
}

// ListFilter narrows ListCredentials.
type ListFilter struct {
	// Type restricts results to one credential type when non-empty.
	Type CredentialType
	// IncludeInactive also returns expired and revoked credentials.
	IncludeInactive bool
}

// Action names a lifecycle change reported to OnChange.
type Action string

const (
	ActionCreated         Action = "created"
	ActionUpdated         Action = "updated"
	ActionRotated         Action = "rotated"
	ActionDeleted         Action = "deleted"
	ActionRevoked         Action = "revoked"
	ActionExpired         Action = "expired"
	ActionPendingRotation Action = "pending_rotation"
)
