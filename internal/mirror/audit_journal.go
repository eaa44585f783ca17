package mirror

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/scmmirror/internal/changelog"
	"github.com/openmined/scmmirror/internal/db"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL, -- UTC, fixed width
    duration_ms INTEGER NOT NULL,
    phase TEXT NOT NULL,
    comparison INTEGER NOT NULL,
    fetched INTEGER NOT NULL,
    deleted INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS changes (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    path TEXT NOT NULL,
    revision INTEGER NOT NULL,
    timestamp TEXT NOT NULL, -- UTC, fixed width
    actor TEXT NOT NULL,
    message TEXT NOT NULL,
    kind TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_changes_path ON changes(path);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type dbRun struct {
	ID         string `db:"id"`
	StartedAt  string `db:"started_at"`
	DurationMS int64  `db:"duration_ms"`
	Phase      string `db:"phase"`
	Comparison bool   `db:"comparison"`
	Fetched    int    `db:"fetched"`
	Deleted    int    `db:"deleted"`
	Failed     int    `db:"failed"`
	Error      string `db:"error"`
}

type dbChange struct {
	RunID     string `db:"run_id"`
	Seq       int    `db:"seq"`
	Path      string `db:"path"`
	Revision  int    `db:"revision"`
	Timestamp string `db:"timestamp"`
	Actor     string `db:"actor"`
	Message   string `db:"message"`
	Kind      string `db:"kind"`
}

// RunRecord is a pass as stored in the audit journal.
type RunRecord struct {
	ID                  string
	StartedAt           time.Time
	Duration            time.Duration
	Phase               string
	ComparisonAvailable bool
	Fetched             int
	Deleted             int
	Failed              int
	Error               string
}

// AuditJournal keeps the history of passes and their change entries in sqlite.
type AuditJournal struct {
	db   *sqlx.DB
	path string
}

func OpenAuditJournal(path string) (*AuditJournal, error) {
	database, err := db.NewSqliteDb(db.WithPath(path), db.WithMaxOpenConns(1), db.WithSchema(auditSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}
	return &AuditJournal{db: database, path: path}, nil
}

func (j *AuditJournal) Path() string {
	return j.path
}

// Record stores the report and its change entries in one transaction.
func (j *AuditJournal) Record(report *Report) error {
	errText := ""
	if report.Err != nil {
		errText = report.Err.Error()
	}

	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	run := dbRun{
		ID:         report.RunID,
		StartedAt:  report.Started.UTC().Format(timeLayout),
		DurationMS: report.Duration.Milliseconds(),
		Phase:      report.Phase.String(),
		Comparison: report.ComparisonAvailable,
		Fetched:    len(report.Fetched),
		Deleted:    len(report.Deleted),
		Failed:     len(report.Failed),
		Error:      errText,
	}
	_, err = tx.NamedExec(`INSERT INTO runs (id, started_at, duration_ms, phase, comparison, fetched, deleted, failed, error)
	          VALUES (:id, :started_at, :duration_ms, :phase, :comparison, :fetched, :deleted, :failed, :error)`, run)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}

	for i, e := range report.Changes {
		change := dbChange{
			RunID:     report.RunID,
			Seq:       i,
			Path:      e.Path,
			Revision:  e.Revision,
			Timestamp: e.Timestamp.UTC().Format(timeLayout),
			Actor:     e.Actor,
			Message:   e.Message,
			Kind:      string(e.Kind),
		}
		_, err := tx.NamedExec(`INSERT INTO changes (run_id, seq, path, revision, timestamp, actor, message, kind)
		          VALUES (:run_id, :seq, :path, :revision, :timestamp, :actor, :message, :kind)`, change)
		if err != nil {
			return fmt.Errorf("failed to record change %s: %w", e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	slog.Debug("audit journal recorded", "run", report.RunID, "changes", len(report.Changes))
	return nil
}

// Runs returns the most recent passes first.
func (j *AuditJournal) Runs(limit int) ([]*RunRecord, error) {
	var rows []dbRun
	err := j.db.Select(&rows, `SELECT id, started_at, duration_ms, phase, comparison, fetched, deleted, failed, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	runs := make([]*RunRecord, 0, len(rows))
	for _, row := range rows {
		started, err := time.Parse(timeLayout, row.StartedAt)
		if err != nil {
			slog.Error("audit journal run with bad timestamp", "run", row.ID, "value", row.StartedAt, "error", err)
			continue
		}
		runs = append(runs, &RunRecord{
			ID:                  row.ID,
			StartedAt:           started,
			Duration:            time.Duration(row.DurationMS) * time.Millisecond,
			Phase:               row.Phase,
			ComparisonAvailable: row.Comparison,
			Fetched:             row.Fetched,
			Deleted:             row.Deleted,
			Failed:              row.Failed,
			Error:               row.Error,
		})
	}
	return runs, nil
}

// Changes returns the entries of a run in the order they were produced.
func (j *AuditJournal) Changes(runID string) ([]*changelog.Entry, error) {
	return j.selectChanges(`SELECT run_id, seq, path, revision, timestamp, actor, message, kind
		FROM changes WHERE run_id = ? ORDER BY seq`, runID)
}

// History returns every recorded change of path, oldest first.
func (j *AuditJournal) History(path string) ([]*changelog.Entry, error) {
	return j.selectChanges(`SELECT c.run_id, c.seq, c.path, c.revision, c.timestamp, c.actor, c.message, c.kind
		FROM changes c JOIN runs r ON r.id = c.run_id WHERE c.path = ? ORDER BY r.started_at, c.seq`, path)
}

func (j *AuditJournal) selectChanges(query string, arg any) ([]*changelog.Entry, error) {
	var rows []dbChange
	if err := j.db.Select(&rows, query, arg); err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}

	entries := make([]*changelog.Entry, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(timeLayout, row.Timestamp)
		if err != nil {
			slog.Error("audit journal change with bad timestamp", "path", row.Path, "value", row.Timestamp, "error", err)
			continue
		}
		entries = append(entries, &changelog.Entry{
			Path:      row.Path,
			Revision:  row.Revision,
			Timestamp: ts,
			Actor:     row.Actor,
			Message:   row.Message,
			Kind:      changelog.Kind(row.Kind),
		})
	}
	return entries, nil
}

func (j *AuditJournal) Close() error {
	if err := j.db.Close(); err != nil {
		slog.Error("failed to close audit journal", "error", err)
		return err
	}
	return nil
}
