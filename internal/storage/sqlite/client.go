package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/audit"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

const (
	backendName   = "sqlite"
	schemaVersion = 1
)

// Client is the SQLite audit store. Entries are append-only; the only
// update ever issued is the export counter increment.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

// NewClientFromDB wraps an existing handle without applying pragmas.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY,
		created_at INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		tools_used TEXT NOT NULL,
		exports INTEGER NOT NULL DEFAULT 0 CHECK (exports >= 0),
		status TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		results_count INTEGER NOT NULL,
		sources_accessed TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_entries(status);

	CREATE TABLE IF NOT EXISTS audit_entry_tools (
		entry_id INTEGER NOT NULL,
		tool TEXT NOT NULL,
		PRIMARY KEY (entry_id, tool),
		FOREIGN KEY (entry_id) REFERENCES audit_entries(id)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tools_tool ON audit_entry_tools(tool);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if count == 0 {
		if _, err := c.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}

	logger.Info("SQLite schema initialized", zap.Int("version", schemaVersion))
	return nil
}

func (c *Client) Append(ctx context.Context, entry models.AuditEntry) error {
	tools, err := json.Marshal(nonNil(entry.ToolsUsed))
	if err != nil {
		return audit.NewStoreError(backendName, "append", err)
	}
	sources, err := json.Marshal(nonNil(entry.Details.SourcesAccessed))
	if err != nil {
		return audit.NewStoreError(backendName, "append", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.NewStoreError(backendName, "append", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, created_at, user_id, query_text, tools_used, exports, status,
			duration_ns, results_count, sources_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UnixNano(),
		entry.User,
		entry.Query,
		string(tools),
		entry.Exports,
		string(entry.Status),
		int64(entry.Details.Duration),
		entry.Details.ResultsCount,
		string(sources),
	)
	if err != nil {
		return audit.NewStoreError(backendName, "append", fmt.Errorf("failed to insert audit entry: %w", err))
	}

	for _, tool := range entry.ToolsUsed {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO audit_entry_tools (entry_id, tool) VALUES (?, ?)`,
			entry.ID, string(tool))
		if err != nil {
			return audit.NewStoreError(backendName, "append", fmt.Errorf("failed to insert audit tool: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return audit.NewStoreError(backendName, "append", fmt.Errorf("failed to commit audit entry: %w", err))
	}

	logger.Debug("Audit entry inserted", zap.Int64("id", entry.ID))
	return nil
}

func (c *Client) IncrementExports(ctx context.Context, id int64) error {
	res, err := c.db.ExecContext(ctx, `UPDATE audit_entries SET exports = exports + 1 WHERE id = ?`, id)
	if err != nil {
		return audit.NewStoreError(backendName, "increment", fmt.Errorf("failed to increment exports: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return audit.NewStoreError(backendName, "increment", err)
	}
	if n == 0 {
		return audit.ErrEntryNotFound
	}
	return nil
}

const selectColumns = `SELECT id, created_at, user_id, query_text, tools_used, exports, status,
	duration_ns, results_count, sources_accessed FROM audit_entries`

func (c *Client) Get(ctx context.Context, id int64) (models.AuditEntry, error) {
	row := c.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return models.AuditEntry{}, audit.ErrEntryNotFound
	}
	if err != nil {
		return models.AuditEntry{}, audit.NewStoreError(backendName, "get", err)
	}
	return entry, nil
}

func (c *Client) List(ctx context.Context, filter audit.Filter) ([]models.AuditEntry, error) {
	where, args := buildWhereClause(filter)

	query := selectColumns + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, audit.NewStoreError(backendName, "list", fmt.Errorf("failed to query audit entries: %w", err))
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, audit.NewStoreError(backendName, "list", fmt.Errorf("failed to scan row: %w", err))
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStoreError(backendName, "list", err)
	}
	return entries, nil
}

func (c *Client) LastID(ctx context.Context) (int64, error) {
	var last int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM audit_entries`).Scan(&last)
	if err != nil {
		return 0, audit.NewStoreError(backendName, "last_id", err)
	}
	return last, nil
}

func buildWhereClause(f audit.Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if f.To != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, f.To.UnixNano())
	}
	if f.User != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.User)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Tool != "" {
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM audit_entry_tools t WHERE t.entry_id = audit_entries.id AND t.tool = ?)")
		args = append(args, string(f.Tool))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (models.AuditEntry, error) {
	var (
		entry     models.AuditEntry
		createdAt int64
		tools     string
		status    string
		duration  int64
		sources   string
	)

	err := s.Scan(
		&entry.ID,
		&createdAt,
		&entry.User,
		&entry.Query,
		&tools,
		&entry.Exports,
		&status,
		&duration,
		&entry.Details.ResultsCount,
		&sources,
	)
	if err != nil {
		return models.AuditEntry{}, err
	}

	entry.Timestamp = time.Unix(0, createdAt).UTC()
	entry.Status = models.Status(status)
	entry.Details.Duration = time.Duration(duration)

	if err := json.Unmarshal([]byte(tools), &entry.ToolsUsed); err != nil {
		return models.AuditEntry{}, fmt.Errorf("failed to decode tools_used: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &entry.Details.SourcesAccessed); err != nil {
		return models.AuditEntry{}, fmt.Errorf("failed to decode sources_accessed: %w", err)
	}
	return entry, nil
}

func nonNil(in []models.SourceID) []models.SourceID {
	if in == nil {
		return []models.SourceID{}
	}
	return in
}
