package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elum-utils/aiocensor/models"
)

// SQLAuditLog stores audit entries over database/sql. The verdict, context
// and intent are kept as JSON columns.
type SQLAuditLog struct {
	db    *sql.DB
	table string
}

// NewSQLAuditLog creates an audit log over db. An empty table uses
// "censor_audit".
func NewSQLAuditLog(db *sql.DB, table string) (*SQLAuditLog, error) {
	if db == nil {
		return nil, errors.New("storage: db is nil")
	}
	if strings.TrimSpace(table) == "" {
		table = "censor_audit"
	}
	return &SQLAuditLog{db: db, table: table}, nil
}

// EnsureSchema creates the table if missing.
func (a *SQLAuditLog) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	request_id TEXT,
	kind TEXT NOT NULL,
	content TEXT,
	context TEXT,
	verdict TEXT,
	intent TEXT,
	created_at INTEGER NOT NULL
)`, a.table)
	_, err := a.db.ExecContext(ctx, q)
	return err
}

// Append stores entry, assigning an id and timestamp when missing.
func (a *SQLAuditLog) Append(ctx context.Context, entry models.AuditEntry) error {
	entry = prepare(entry)
	cx, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("storage: encode context: %w", err)
	}
	verdict, err := json.Marshal(entry.Verdict)
	if err != nil {
		return fmt.Errorf("storage: encode verdict: %w", err)
	}
	var intent []byte
	if entry.Intent != nil {
		if intent, err = json.Marshal(entry.Intent); err != nil {
			return fmt.Errorf("storage: encode intent: %w", err)
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, request_id, kind, content, context, verdict, intent, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, a.table)
	_, err = a.db.ExecContext(ctx, q,
		entry.ID, entry.RequestID, entry.Kind.String(), entry.Content,
		string(cx), string(verdict), nullString(intent), entry.CreatedAt.UnixMilli())
	return err
}

// List returns entries newest first.
func (a *SQLAuditLog) List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := fmt.Sprintf(`SELECT id, request_id, kind, content, context, verdict, intent, created_at FROM %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, a.table)
	rows, err := a.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *SQLAuditLog) Get(ctx context.Context, id string) (models.AuditEntry, bool, error) {
	q := fmt.Sprintf(`SELECT id, request_id, kind, content, context, verdict, intent, created_at FROM %s WHERE id = ?`, a.table)
	e, err := scanEntry(a.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AuditEntry{}, false, nil
	}
	if err != nil {
		return models.AuditEntry{}, false, err
	}
	return e, true, nil
}

func (a *SQLAuditLog) Delete(ctx context.Context, id string) (bool, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, a.table)
	res, err := a.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (models.AuditEntry, error) {
	var (
		e                        models.AuditEntry
		requestID, content, kind sql.NullString
		cx, verdict, intent      sql.NullString
		created                  int64
	)
	if err := s.Scan(&e.ID, &requestID, &kind, &content, &cx, &verdict, &intent, &created); err != nil {
		return models.AuditEntry{}, err
	}
	e.RequestID = requestID.String
	e.Content = content.String
	e.CreatedAt = time.UnixMilli(created).UTC()
	if k, err := models.ParseContentKind(kind.String); err == nil {
		e.Kind = k
	}
	if cx.Valid && cx.String != "" {
		if err := json.Unmarshal([]byte(cx.String), &e.Context); err != nil {
			return models.AuditEntry{}, fmt.Errorf("storage: decode context: %w", err)
		}
	}
	if verdict.Valid && verdict.String != "" {
		if err := json.Unmarshal([]byte(verdict.String), &e.Verdict); err != nil {
			return models.AuditEntry{}, fmt.Errorf("storage: decode verdict: %w", err)
		}
	}
	if intent.Valid && intent.String != "" {
		var in models.ActionIntent
		if err := json.Unmarshal([]byte(intent.String), &in); err != nil {
			return models.AuditEntry{}, fmt.Errorf("storage: decode intent: %w", err)
		}
		e.Intent = &in
	}
	return e, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func prepare(e models.AuditEntry) models.AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

// MemoryAuditLog is an in-memory audit log.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries map[string]models.AuditEntry
}

// NewMemoryAuditLog creates an empty audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{entries: make(map[string]models.AuditEntry)}
}

func (m *MemoryAuditLog) Append(_ context.Context, entry models.AuditEntry) error {
	entry = prepare(entry)
	m.mu.Lock()
	m.entries[entry.ID] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryAuditLog) List(_ context.Context, limit, offset int) ([]models.AuditEntry, error) {
	m.mu.RLock()
	all := make([]models.AuditEntry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryAuditLog) Get(_ context.Context, id string) (models.AuditEntry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	return e, ok, nil
}

func (m *MemoryAuditLog) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	_, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	return ok, nil
}
