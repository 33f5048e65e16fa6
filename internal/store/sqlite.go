package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	"ID" TEXT NOT NULL PRIMARY KEY,
	"Target" TEXT NOT NULL,
	"Kind" TEXT NOT NULL,
	"Status" TEXT NOT NULL,
	"Score" INTEGER,
	"Options" TEXT,
	"Error" TEXT,
	"CreatedAt" INTEGER NOT NULL,
	"CompletedAt" INTEGER);
CREATE TABLE IF NOT EXISTS findings (
	"ID" TEXT NOT NULL PRIMARY KEY,
	"JobID" TEXT,
	"DedupKey" TEXT NOT NULL,
	"Severity" TEXT NOT NULL,
	"Title" TEXT NOT NULL,
	"Description" TEXT,
	"Remediation" TEXT,
	"Source" TEXT NOT NULL,
	"CVEID" TEXT,
	"CWEID" TEXT,
	"CVSSScore" REAL,
	"AssetID" TEXT NOT NULL,
	"AssetName" TEXT,
	"Status" TEXT NOT NULL,
	"DiscoveredAt" INTEGER NOT NULL,
	"Detail" TEXT);
CREATE UNIQUE INDEX IF NOT EXISTS findings_open_key ON findings ("DedupKey") WHERE "Status" = 'OPEN';
CREATE INDEX IF NOT EXISTS findings_asset ON findings ("AssetID", "Status");
CREATE INDEX IF NOT EXISTS findings_job ON findings ("JobID");
CREATE TABLE IF NOT EXISTS job_findings (
	"JobID" TEXT NOT NULL,
	"FindingID" TEXT NOT NULL,
	PRIMARY KEY ("JobID", "FindingID"));
CREATE TABLE IF NOT EXISTS usage (
	"Kind" TEXT NOT NULL PRIMARY KEY,
	"Count" INTEGER NOT NULL);`

const findingColumns = `"ID", "JobID", "Severity", "Title", "Description", "Remediation", "Source",
	"CVEID", "CWEID", "CVSSScore", "AssetID", "AssetName", "Status", "DiscoveredAt", "Detail"`

// SQLite is the Store backed by a local database file. It holds a single
// connection, so writes are serialized by database/sql.
type SQLite struct {
	DB *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-process database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{DB: db}, nil
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

func (s *SQLite) CreateJob(ctx context.Context, job *model.ScanJob) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, `INSERT INTO jobs ("ID", "Target", "Kind", "Status", "Score", "Options", "Error", "CreatedAt", "CompletedAt")
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Target, string(job.Kind), string(job.Status), nullInt(job.Score),
		string(opts), job.Error, job.CreatedAt.UnixNano(), nullTime(job.CompletedAt))
	return err
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*model.ScanJob, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT "ID", "Target", "Kind", "Status", "Score", "Options", "Error", "CreatedAt", "CompletedAt"
		FROM jobs WHERE "ID" = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context, limit int) ([]model.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT "ID", "Target", "Kind", "Status", "Score", "Options", "Error", "CreatedAt", "CompletedAt"
		FROM jobs ORDER BY "CreatedAt" DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []model.ScanJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, from model.JobStatus, upd JobUpdate) error {
	if err := checkTransition(from, upd); err != nil {
		return err
	}

	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET "Status" = ?, "Score" = ?, "Error" = ?, "CompletedAt" = ?
		WHERE "ID" = ? AND "Status" = ?`,
		string(upd.Status), nullInt(upd.Score), upd.Error, nullTime(upd.CompletedAt), id, string(from))
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOr(ctx, `SELECT 1 FROM jobs WHERE "ID" = ?`, id)
}

func (s *SQLite) InsertFindings(ctx context.Context, findings []model.Finding) ([]model.Finding, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO findings (`+findingColumns+`, "DedupKey")
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	inserted := []model.Finding{}
	for _, f := range findings {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.Status = model.FindingOpen
		if f.DiscoveredAt.IsZero() {
			f.DiscoveredAt = time.Now().UTC()
		}

		detail, err := model.EncodeDetail(f.Detail)
		if err != nil {
			return nil, err
		}

		res, err := stmt.ExecContext(ctx, f.ID, f.JobID, string(f.Severity), f.Title, f.Description, f.Remediation,
			string(f.Source), f.CVEID, f.CWEID, nullFloat(f.CVSSScore), f.AssetID, f.AssetName,
			string(f.Status), f.DiscoveredAt.UnixNano(), nullBytes(detail), f.DedupKey())
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted = append(inserted, f)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *SQLite) OpenFindings(ctx context.Context, assetID string) ([]model.Finding, error) {
	return s.queryFindings(ctx, `SELECT `+findingColumns+` FROM findings
		WHERE "AssetID" = ? AND "Status" = 'OPEN' ORDER BY "DiscoveredAt"`, assetID)
}

func (s *SQLite) LinkFindings(ctx context.Context, jobID string, findingIDs []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO job_findings ("JobID", "FindingID") VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range findingIDs {
		if _, err := stmt.ExecContext(ctx, jobID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) JobFindings(ctx context.Context, jobID string) ([]model.Finding, error) {
	return s.queryFindings(ctx, `SELECT `+findingColumns+` FROM findings
		WHERE "JobID" = ? OR "ID" IN (SELECT "FindingID" FROM job_findings WHERE "JobID" = ?)
		ORDER BY "DiscoveredAt"`, jobID, jobID)
}

func (s *SQLite) ResolveFinding(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE findings SET "Status" = 'RESOLVED' WHERE "ID" = ? AND "Status" = 'OPEN'`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	return s.missingOr(ctx, `SELECT 1 FROM findings WHERE "ID" = ?`, id)
}

func (s *SQLite) IncrementUsage(ctx context.Context, kind model.ScanKind) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO usage ("Kind", "Count") VALUES (?, 1)
		ON CONFLICT("Kind") DO UPDATE SET "Count" = "Count" + 1`, string(kind))
	return err
}

// Usage returns the completed scan count per kind.
func (s *SQLite) Usage(ctx context.Context) (map[model.ScanKind]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT "Kind", "Count" FROM usage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := map[model.ScanKind]int{}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		usage[model.ScanKind(kind)] = count
	}
	return usage, rows.Err()
}

// missingOr tells a missing row (ErrNotFound) from a row in the wrong
// state (ErrTransition).
func (s *SQLite) missingOr(ctx context.Context, query, id string) error {
	var one int
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	}
	return ErrTransition
}

func (s *SQLite) queryFindings(ctx context.Context, query string, args ...interface{}) ([]model.Finding, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	findings := []model.Finding{}
	for rows.Next() {
		var (
			f                        model.Finding
			sev, src, status         string
			jobID, desc, remediation sql.NullString
			cve, cwe, name, detail   sql.NullString
			cvss                     sql.NullFloat64
			discovered               int64
		)

		err := rows.Scan(&f.ID, &jobID, &sev, &f.Title, &desc, &remediation, &src,
			&cve, &cwe, &cvss, &f.AssetID, &name, &status, &discovered, &detail)
		if err != nil {
			return nil, err
		}

		f.JobID = jobID.String
		f.Severity = severity.Level(sev)
		f.Description = desc.String
		f.Remediation = remediation.String
		f.Source = model.Source(src)
		f.CVEID = cve.String
		f.CWEID = cwe.String
		if cvss.Valid {
			f.CVSSScore = model.Float(cvss.Float64)
		}
		f.AssetName = name.String
		f.Status = model.FindingStatus(status)
		f.DiscoveredAt = time.Unix(0, discovered).UTC()

		if detail.Valid {
			f.Detail, err = model.DecodeDetail(f.Source, []byte(detail.String))
			if err != nil {
				return nil, fmt.Errorf("finding %s: %w", f.ID, err)
			}
		}

		findings = append(findings, f)
	}
	return findings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.ScanJob, error) {
	var (
		job              model.ScanJob
		kind, status     string
		score, completed sql.NullInt64
		opts, errMsg     sql.NullString
		created          int64
	)

	err := row.Scan(&job.ID, &job.Target, &kind, &status, &score, &opts, &errMsg, &created, &completed)
	if err != nil {
		return nil, err
	}

	job.Kind = model.ScanKind(kind)
	job.Status = model.JobStatus(status)
	job.Error = errMsg.String
	job.CreatedAt = time.Unix(0, created).UTC()
	if score.Valid {
		v := int(score.Int64)
		job.Score = &v
	}
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		job.CompletedAt = &t
	}
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &job.Options); err != nil {
			return nil, fmt.Errorf("job %s options: %w", job.ID, err)
		}
	}

	return &job, nil
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
