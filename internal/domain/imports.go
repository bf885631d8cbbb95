package domain

import "time"

// ImportStatus is the terminal accounting of an import run.
type ImportStatus string

const (
	ImportProcessing ImportStatus = "processing"
	ImportCompleted  ImportStatus = "completed"
	ImportPartial    ImportStatus = "partial"
	ImportFailed     ImportStatus = "failed"
	ImportCancelled  ImportStatus = "cancelled"
	ImportRolledBack ImportStatus = "rolled_back"
)

// ImportKind names which importer produced a run.
type ImportKind string

const (
	ImportKindEvents  ImportKind = "events"
	ImportKindSignups ImportKind = "signups"
	ImportKindBudget  ImportKind = "budget_actuals"
)

// ImportLog is the header record for one import run. FileHash is the SHA-256
// of the raw bytes, stored for idempotency auditing.
type ImportLog struct {
	ID                string       `json:"id"`
	Kind              ImportKind   `json:"kind"`
	FileName          string       `json:"fileName"`
	FileHash          string       `json:"fileHash"`
	Status            ImportStatus `json:"status"`
	TotalRows         int          `json:"totalRows"`
	ProcessedRows     int          `json:"processedRows"`
	ErrorRows         int          `json:"errorRows"`
	SkippedDuplicates int          `json:"skippedDuplicates"`
	CreatedEntities   int          `json:"createdEntities"`
	UpdatedEntities   int          `json:"updatedEntities"`
	Errors            []string     `json:"errors"`
	Warnings          []string     `json:"warnings"`
	StartedBy         string       `json:"startedBy"`
	StartedAt         time.Time    `json:"startedAt"`
	FinishedAt        *time.Time   `json:"finishedAt,omitempty"`
}

// RowStatus is the per-line outcome of an import.
type RowStatus string

const (
	RowSuccess   RowStatus = "success"
	RowSkipped   RowStatus = "skipped"
	RowDuplicate RowStatus = "duplicate"
	RowError     RowStatus = "error"
)

// ImportRowDetail is one row per parsed CSV line.
type ImportRowDetail struct {
	ID        string    `json:"id"`
	ImportID  string    `json:"importId"`
	LineNo    int       `json:"lineNo"`
	Status    RowStatus `json:"status"`
	Action    string    `json:"action"` // created | updated | linked | skipped | none
	Message   string    `json:"message,omitempty"`
	RawData   string    `json:"rawData"`
	EntityID  *string   `json:"entityId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ImportAuditEntry is an append-only record of one state-changing decision
// taken during an import (create, link, merge, attribution).
type ImportAuditEntry struct {
	ID         string         `json:"id"`
	ImportID   string         `json:"importId"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
