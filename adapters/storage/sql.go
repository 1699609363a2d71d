package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLAdapter stores rules and the blacklist over database/sql. Queries use
// "?" placeholders (SQLite, MySQL).
type SQLAdapter struct {
	db        *sql.DB
	table     string
	blacklist string
	now       func() time.Time
}

// NewSQLAdapter creates an adapter over *sql.DB. Empty table names use
// "censor_rules" and "censor_blacklist".
func NewSQLAdapter(db *sql.DB, table string) (*SQLAdapter, error) {
	if db == nil {
		return nil, errors.New("storage: db is nil")
	}
	if strings.TrimSpace(table) == "" {
		table = "censor_rules"
	}
	return &SQLAdapter{db: db, table: table, blacklist: "censor_blacklist", now: time.Now}, nil
}

// WithBlacklistTable overrides the blacklist table name.
func (s *SQLAdapter) WithBlacklistTable(name string) *SQLAdapter {
	if strings.TrimSpace(name) != "" {
		s.blacklist = name
	}
	return s
}

// EnsureSchema creates tables if missing.
func (s *SQLAdapter) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (rule TEXT PRIMARY KEY)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("storage: create %s: %w", s.table, err)
	}
	q = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (user_id TEXT PRIMARY KEY, reason TEXT, updated_at INTEGER NOT NULL)`, s.blacklist)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("storage: create %s: %w", s.blacklist, err)
	}
	return nil
}

func (s *SQLAdapter) AddRule(ctx context.Context, rule string) error {
	q := fmt.Sprintf(`INSERT INTO %s (rule) VALUES (?)`, s.table)
	_, err := s.db.ExecContext(ctx, q, rule)
	if err == nil || isDuplicate(err) {
		return nil
	}
	return err
}

func (s *SQLAdapter) RemoveRule(ctx context.Context, rule string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE rule = ?`, s.table)
	_, err := s.db.ExecContext(ctx, q, rule)
	return err
}

func (s *SQLAdapter) GetRules(ctx context.Context) ([]string, error) {
	return s.column(ctx, fmt.Sprintf(`SELECT rule FROM %s`, s.table))
}

func (s *SQLAdapter) RuleExists(ctx context.Context, rule string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE rule = ? LIMIT 1`, s.table)
	var v int
	err := s.db.QueryRowContext(ctx, q, rule).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddBlacklist inserts userID or refreshes its reason.
func (s *SQLAdapter) AddBlacklist(ctx context.Context, userID, reason string) error {
	q := fmt.Sprintf(`INSERT INTO %s (user_id, reason, updated_at) VALUES (?, ?, ?) `+
		`ON CONFLICT(user_id) DO UPDATE SET reason = excluded.reason, updated_at = excluded.updated_at`, s.blacklist)
	_, err := s.db.ExecContext(ctx, q, userID, reason, s.now().Unix())
	return err
}

func (s *SQLAdapter) RemoveBlacklist(ctx context.Context, userID string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, s.blacklist)
	_, err := s.db.ExecContext(ctx, q, userID)
	return err
}

func (s *SQLAdapter) GetBlacklist(ctx context.Context) ([]string, error) {
	return s.column(ctx, fmt.Sprintf(`SELECT user_id FROM %s ORDER BY updated_at DESC`, s.blacklist))
}

func (s *SQLAdapter) column(ctx context.Context, q string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 256)
	for rows.Next() {
		var v string
		if scanErr := rows.Scan(&v); scanErr != nil {
			return nil, scanErr
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}
