package domain

import "time"

// CredentialStatus tracks whether an integration credential is usable.
type CredentialStatus string

const (
	CredentialActive        CredentialStatus = "active"
	CredentialRequiresReauth CredentialStatus = "requires_reauth"
)

// IntegrationCredential holds the sealed OAuth tokens for one provider.
// Token ciphertexts are opaque to everything outside the vault. ExpiresAt is
// updated atomically with AccessTokenEnc under the provider advisory lock.
type IntegrationCredential struct {
	Provider        string           `json:"provider"`
	AccessTokenEnc  []byte           `json:"-"`
	RefreshTokenEnc []byte           `json:"-"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	Scope           string           `json:"scope,omitempty"`
	Status          CredentialStatus `json:"status"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// CheckpointStatus is the state of one batch sync run.
type CheckpointStatus string

const (
	SyncInProgress CheckpointStatus = "in_progress"
	SyncPaused     CheckpointStatus = "paused"
	SyncCompleted  CheckpointStatus = "completed"
	SyncFailed     CheckpointStatus = "failed"
)

// SyncCheckpoint is the durable progress marker of a multi-page partner sync,
// sufficient to resume from after a crash.
type SyncCheckpoint struct {
	ID               string           `json:"id"`
	Integration      string           `json:"integration"`
	SyncType         string           `json:"syncType"`
	TotalRecords     *int             `json:"totalRecords,omitempty"`
	ProcessedRecords int              `json:"processedRecords"`
	FailedRecords    int              `json:"failedRecords"`
	LastProcessedID  *string          `json:"lastProcessedId,omitempty"`
	Cursor           *string          `json:"cursor,omitempty"`
	Status           CheckpointStatus `json:"status"`
	ErrorMessage     *string          `json:"errorMessage,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Resumable reports whether a fresh run for the same (integration, syncType)
// should pick this checkpoint up instead of opening a new one.
func (c *SyncCheckpoint) Resumable() bool {
	switch c.Status {
	case SyncInProgress, SyncPaused, SyncFailed:
		return true
	}
	return false
}
