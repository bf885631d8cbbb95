package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/backend/internal/domain"
	"github.com/fieldops/backend/internal/monitoring"
)

var logger = log.New(os.Stdout, "[IMPORT] ", log.LstdFlags)

// maxStoredIssues caps the errors/warnings arrays on the import log;
// overflow is truncated with a sentinel entry.
const maxStoredIssues = 100

// Backend is the persistence surface shared by all importers. The Postgres
// implementation wraps each apply in a transaction.
type Backend interface {
	Directory

	InsertLog(ctx context.Context, l *domain.ImportLog) error
	UpdateLog(ctx context.Context, l *domain.ImportLog) error
	GetLog(ctx context.Context, id string) (*domain.ImportLog, error)
	InsertRowDetail(ctx context.Context, d *domain.ImportRowDetail) error
	InsertAudit(ctx context.Context, a *domain.ImportAuditEntry) error
	AuditTrail(ctx context.Context, importID string) ([]*domain.ImportAuditEntry, error)

	SignupExists(ctx context.Context, emailLower string, operatorID int64, date time.Time) (bool, error)
	FindEvent(ctx context.Context, date time.Time, venue string) (string, bool, error)
	RateFor(ctx context.Context, operatorID int64, state string, at time.Time) (*domain.CpaRate, error)

	ApplyEvent(ctx context.Context, importID string, ev *domain.Event, ambassadorIDs []string) (created bool, err error)
	ApplySignup(ctx context.Context, importID string, s *domain.SignUp, attribution *domain.CpaAttribution) error
	ApplyBudget(ctx context.Context, importID string, eventID string, b *domain.EventBudget) (created bool, err error)

	RollbackBatch(ctx context.Context, importID string) (int, error)
	SetLogStatus(ctx context.Context, id string, status domain.ImportStatus) error
}

// Options tune one import run.
type Options struct {
	DefaultYear int    // for MM/DD dates
	FileName    string // original upload name, audit only
}

// rowOutcome is what a kind-specific handler reports per line.
type rowOutcome struct {
	status   domain.RowStatus
	action   string
	message  string
	entityID *string
	warning  string
	created  bool
	updated  bool
}

// kindImporter is the per-kind column mapping and apply logic.
type kindImporter interface {
	kind() domain.ImportKind
	keywords() map[string][]string
	defaultMapping() map[string]int
	handleRow(ctx context.Context, b Backend, res *resolver, importID string, row []string, mapping map[string]int, opts Options) rowOutcome
}

// Runner executes import runs and owns the cancellation flags.
type Runner struct {
	backend Backend
	metrics *monitoring.Metrics

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewRunner wires the importer front end.
func NewRunner(backend Backend) *Runner {
	return &Runner{backend: backend, cancelled: map[string]bool{}}
}

// SetMetrics attaches the shared Prometheus counters.
func (r *Runner) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

func importerFor(kind domain.ImportKind) (kindImporter, error) {
	switch kind {
	case domain.ImportKindEvents:
		return eventImporter{}, nil
	case domain.ImportKindSignups:
		return signupImporter{}, nil
	case domain.ImportKindBudget:
		return budgetImporter{}, nil
	}
	return nil, fmt.Errorf("unknown import kind %q", kind)
}

// Cancel flags a running import; the current row finishes, then the run
// terminates with status=cancelled.
func (r *Runner) Cancel(importID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[importID] = true
}

func (r *Runner) isCancelled(importID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[importID]
}

func (r *Runner) clearFlag(importID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, importID)
}

// Execute runs one import end to end and returns the finalized log.
func (r *Runner) Execute(ctx context.Context, kind domain.ImportKind, content string, opts Options, startedBy string) (*domain.ImportLog, error) {
	imp, err := importerFor(kind)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(content))
	logRow := &domain.ImportLog{
		ID:        uuid.NewString(),
		Kind:      kind,
		FileName:  opts.FileName,
		FileHash:  hex.EncodeToString(sum[:]),
		Status:    domain.ImportProcessing,
		StartedBy: startedBy,
		StartedAt: time.Now().UTC(),
	}
	if err := r.backend.InsertLog(ctx, logRow); err != nil {
		return nil, err
	}
	defer r.clearFlag(logRow.ID)

	res, err := newResolver(ctx, r.backend)
	if err != nil {
		return r.finalizeError(ctx, logRow, err)
	}

	rows := parseCSV(content)
	mapping, headerIdx := detectHeader(rows, imp.keywords())
	if mapping == nil {
		mapping = imp.defaultMapping()
		headerIdx = -1
		logRow.Warnings = append(logRow.Warnings, "no header row detected, using default column mapping")
	}
	dataRows := rows[headerIdx+1:]
	logRow.TotalRows = len(dataRows)

	for i, row := range dataRows {
		if r.isCancelled(logRow.ID) {
			logRow.Status = domain.ImportCancelled
			return r.finalize(ctx, logRow)
		}

		lineNo := headerIdx + 2 + i // 1-based file line
		outcome := imp.handleRow(ctx, r.backend, res, logRow.ID, row, mapping, opts)
		r.account(logRow, outcome)

		detail := &domain.ImportRowDetail{
			ID:        uuid.NewString(),
			ImportID:  logRow.ID,
			LineNo:    lineNo,
			Status:    outcome.status,
			Action:    outcome.action,
			Message:   outcome.message,
			RawData:   rawLine(row),
			EntityID:  outcome.entityID,
			CreatedAt: time.Now().UTC(),
		}
		if err := r.backend.InsertRowDetail(ctx, detail); err != nil {
			return r.finalizeError(ctx, logRow, err)
		}
	}

	switch {
	case logRow.ErrorRows == 0:
		logRow.Status = domain.ImportCompleted
	case logRow.ProcessedRows > 0:
		logRow.Status = domain.ImportPartial
	default:
		logRow.Status = domain.ImportFailed
	}
	return r.finalize(ctx, logRow)
}

func (r *Runner) account(l *domain.ImportLog, o rowOutcome) {
	if r.metrics != nil {
		r.metrics.ImportRowsTotal.WithLabelValues(string(l.Kind), string(o.status)).Inc()
	}
	switch o.status {
	case domain.RowSuccess:
		l.ProcessedRows++
		if o.created {
			l.CreatedEntities++
		}
		if o.updated {
			l.UpdatedEntities++
		}
	case domain.RowDuplicate:
		l.SkippedDuplicates++
	case domain.RowError:
		l.ErrorRows++
		appendCapped(&l.Errors, o.message)
	}
	if o.warning != "" {
		appendCapped(&l.Warnings, o.warning)
	}
}

func appendCapped(list *[]string, msg string) {
	if len(*list) == maxStoredIssues {
		*list = append(*list, "... further entries truncated")
		return
	}
	if len(*list) > maxStoredIssues {
		return
	}
	*list = append(*list, msg)
}

func (r *Runner) finalize(ctx context.Context, l *domain.ImportLog) (*domain.ImportLog, error) {
	now := time.Now().UTC()
	l.FinishedAt = &now
	if err := r.backend.UpdateLog(ctx, l); err != nil {
		return nil, err
	}
	logger.Printf("import %s (%s) %s: %d rows, %d ok, %d errors, %d duplicates",
		l.ID, l.Kind, l.Status, l.TotalRows, l.ProcessedRows, l.ErrorRows, l.SkippedDuplicates)
	return l, nil
}

func (r *Runner) finalizeError(ctx context.Context, l *domain.ImportLog, cause error) (*domain.ImportLog, error) {
	l.Status = domain.ImportFailed
	appendCapped(&l.Errors, cause.Error())
	if _, err := r.finalize(ctx, l); err != nil {
		logger.Printf("could not finalize failed import %s: %v", l.ID, err)
	}
	return l, cause
}

// Rollback deletes every row tagged with the import's batch id and marks the
// log rolled_back. Idempotent: a second call deletes nothing and succeeds.
func (r *Runner) Rollback(ctx context.Context, importID string) (int, error) {
	n, err := r.backend.RollbackBatch(ctx, importID)
	if err != nil {
		return 0, err
	}
	if err := r.backend.SetLogStatus(ctx, importID, domain.ImportRolledBack); err != nil {
		return n, err
	}
	logger.Printf("import %s rolled back, %d row(s) deleted", importID, n)
	return n, nil
}

// Preview is the result of a dry parse: nothing is written.
type Preview struct {
	DetectedMapping    map[string]int `json:"detectedMapping"`
	HeaderRow          int            `json:"headerRow"`
	TotalRows          int            `json:"totalRows"`
	SampleRows         [][]string     `json:"sampleRows"`
	WouldBeDuplicates  int            `json:"wouldBeDuplicates"`
	UnresolvedEntities int            `json:"unresolvedEntities"`
}

const previewSampleSize = 10

// Parse tokenizes and detects the header only; no directory loads, no
// database probes. Serves the first step of the admin import wizard.
func (r *Runner) Parse(kind domain.ImportKind, content string) (*Preview, error) {
	imp, err := importerFor(kind)
	if err != nil {
		return nil, err
	}
	rows := parseCSV(content)
	mapping, headerIdx := detectHeader(rows, imp.keywords())
	if mapping == nil {
		mapping = imp.defaultMapping()
		headerIdx = -1
	}
	dataRows := rows[headerIdx+1:]
	p := &Preview{
		DetectedMapping: mapping,
		HeaderRow:       headerIdx,
		TotalRows:       len(dataRows),
	}
	for _, row := range dataRows {
		if len(p.SampleRows) == previewSampleSize {
			break
		}
		p.SampleRows = append(p.SampleRows, row)
	}
	return p, nil
}

// PreviewImport runs parse + resolve + dedup probes without any writes.
func (r *Runner) PreviewImport(ctx context.Context, kind domain.ImportKind, content string, opts Options) (*Preview, error) {
	imp, err := importerFor(kind)
	if err != nil {
		return nil, err
	}
	res, err := newResolver(ctx, r.backend)
	if err != nil {
		return nil, err
	}

	rows := parseCSV(content)
	mapping, headerIdx := detectHeader(rows, imp.keywords())
	if mapping == nil {
		mapping = imp.defaultMapping()
		headerIdx = -1
	}
	dataRows := rows[headerIdx+1:]

	p := &Preview{
		DetectedMapping: mapping,
		HeaderRow:       headerIdx,
		TotalRows:       len(dataRows),
	}
	for _, row := range dataRows {
		if len(p.SampleRows) < previewSampleSize {
			p.SampleRows = append(p.SampleRows, row)
		}
		dup, unresolved := probeRow(ctx, r.backend, res, imp, row, mapping, opts)
		if dup {
			p.WouldBeDuplicates++
		}
		p.UnresolvedEntities += unresolved
	}
	return p, nil
}

// probeRow re-runs the resolution and dedup checks a real run would do.
func probeRow(ctx context.Context, b Backend, res *resolver, imp kindImporter, row []string, mapping map[string]int, opts Options) (duplicate bool, unresolved int) {
	switch imp.(type) {
	case signupImporter:
		email := cell(row, mapping, "customer_email")
		date, _ := parseDate(cell(row, mapping, "date"), opts.DefaultYear)
		if res.ambassador(cell(row, mapping, "ambassador")) == nil {
			unresolved++
		}
		op := res.operator(cell(row, mapping, "operator"))
		if op == nil {
			unresolved++
		} else if email != "" && date != nil {
			if exists, err := b.SignupExists(ctx, normalizeEmail(email), op.ID, *date); err == nil && exists {
				duplicate = true
			}
		}
	case eventImporter:
		date, _ := parseDate(cell(row, mapping, "event_date"), opts.DefaultYear)
		venue := cell(row, mapping, "venue")
		if date != nil && venue != "" {
			if _, found, err := b.FindEvent(ctx, *date, venue); err == nil && found {
				duplicate = true
			}
		}
		for _, name := range splitAmbassadors(cell(row, mapping, "ambassadors")) {
			if res.ambassador(name) == nil {
				unresolved++
			}
		}
	case budgetImporter:
		date, _ := parseDate(cell(row, mapping, "date"), opts.DefaultYear)
		venue := cell(row, mapping, "event_name")
		if date != nil && venue != "" {
			if _, found, err := b.FindEvent(ctx, *date, venue); err == nil && !found {
				unresolved++
			}
		}
	}
	return duplicate, unresolved
}
