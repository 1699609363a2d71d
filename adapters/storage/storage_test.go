package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elum-utils/aiocensor/models"
)

func TestMemoryAdapter(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	_ = m.AddRule(ctx, "b&c")
	_ = m.AddRule(ctx, "a")
	ok, _ := m.RuleExists(ctx, "a")
	if !ok {
		t.Fatalf("expected rule")
	}
	all, _ := m.GetRules(ctx)
	if len(all) != 2 || all[0] != "a" {
		t.Fatalf("unexpected rules: %v", all)
	}
	_ = m.RemoveRule(ctx, "a")
	ok, _ = m.RuleExists(ctx, "a")
	if ok {
		t.Fatalf("expected rule removed")
	}
}

func TestMemoryAdapterBlacklist(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	_ = m.AddBlacklist(ctx, "u1", "spam")
	_ = m.AddBlacklist(ctx, "u1", "flood")
	ids, _ := m.GetBlacklist(ctx)
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("unexpected blacklist: %v", ids)
	}
	if r, ok := m.BlacklistReason("u1"); !ok || r != "flood" {
		t.Fatalf("expected updated reason, got %q", r)
	}
	_ = m.RemoveBlacklist(ctx, "u1")
	if ids, _ := m.GetBlacklist(ctx); len(ids) != 0 {
		t.Fatalf("expected empty blacklist, got %v", ids)
	}
}

func TestNewSQLAdapterNilDB(t *testing.T) {
	if _, err := NewSQLAdapter(nil, "t"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewSQLAuditLog(nil, "t"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSQLAdapterWithStubDriver(t *testing.T) {
	driverName := "censor_stub_sql"
	sql.Register(driverName, &stubDriver{store: &stubStore{rules: make(map[string]struct{})}})
	db, err := sql.Open(driverName, "")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	a, err := NewSQLAdapter(db, "rules")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.AddRule(ctx, "x~y"); err != nil {
		t.Fatal(err)
	}
	if err := a.AddRule(ctx, "x~y"); err != nil {
		t.Fatal(err)
	}
	ok, err := a.RuleExists(ctx, "x~y")
	if err != nil || !ok {
		t.Fatalf("expected rule exists: ok=%v err=%v", ok, err)
	}
	all, err := a.GetRules(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("unexpected rules: %v err=%v", all, err)
	}
	if err := a.RemoveRule(ctx, "x~y"); err != nil {
		t.Fatal(err)
	}
	ok, err = a.RuleExists(ctx, "x~y")
	if err != nil || ok {
		t.Fatalf("expected rule removed: ok=%v err=%v", ok, err)
	}
}

func TestSQLAdapterBlacklist(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, err := NewSQLAdapter(db, "")
	require.NoError(t, err)
	a.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO censor_blacklist (user_id, reason, updated_at)")).
		WithArgs("u1", "spam", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id FROM censor_blacklist")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM censor_blacklist WHERE user_id = ?")).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.AddBlacklist(ctx, "u1", "spam"))
	ids, err := a.GetBlacklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
	require.NoError(t, a.RemoveBlacklist(ctx, "u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapterSurfacesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, _ := NewSQLAdapter(db, "")
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS censor_rules").WillReturnError(errors.New("disk full"))
	err = a.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "censor_rules")
}

func TestSQLAuditLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	log, err := NewSQLAuditLog(db, "")
	require.NoError(t, err)
	ctx := context.Background()
	created := time.UnixMilli(1700000000123).UTC()
	entry := models.AuditEntry{
		RequestID: "r1",
		Kind:      models.KindText,
		Content:   "buy now",
		Context:   models.Context{UserID: "u1", GroupID: "g1"},
		Verdict:   models.AggregateVerdict{Violated: true, Categories: []models.Category{models.CategoryAd}, Primary: "local"},
		Intent:    &models.ActionIntent{Action: models.EnforceWarn, Tier: models.TierWarned, UserID: "u1", GroupID: "g1"},
		CreatedAt: created,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO censor_audit")).
		WithArgs(sqlmock.AnyArg(), "r1", "text", "buy now", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), created.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, log.Append(ctx, entry))

	cols := []string{"id", "request_id", "kind", "content", "context", "verdict", "intent", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM censor_audit WHERE id = ?")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"a1", "r1", "text", "buy now",
			`{"user_id":"u1","group_id":"g1","timestamp":"0001-01-01T00:00:00Z"}`,
			`{"violated":true,"categories":["ad"],"primary":"local"}`,
			`{"action":"warn","tier":"warned","user_id":"u1","group_id":"g1","reason":""}`,
			created.UnixMilli(),
		))
	got, ok, err := log.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.KindText, got.Kind)
	assert.Equal(t, "g1", got.Context.GroupID)
	assert.True(t, got.Verdict.Violated)
	require.NotNil(t, got.Intent)
	assert.Equal(t, models.TierWarned, got.Intent.Tier)
	assert.True(t, got.CreatedAt.Equal(created))

	mock.ExpectQuery(regexp.QuoteMeta("FROM censor_audit WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	_, ok, err = log.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT ? OFFSET ?")).
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", "r1", "text", "x", nil, `{"violated":false}`, nil, created.UnixMilli()))
	list, err := log.List(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Intent)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM censor_audit WHERE id = ?")).
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	deleted, err := log.Delete(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryAuditLog(t *testing.T) {
	log := NewMemoryAuditLog()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(ctx, models.AuditEntry{
			ID:        fmt.Sprintf("e%d", i),
			Kind:      models.KindText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, log.Append(ctx, models.AuditEntry{Kind: models.KindText}))

	page, err := log.List(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e2", page[0].ID)
	assert.Equal(t, "e1", page[1].ID)

	all, _ := log.List(ctx, 0, 0)
	require.Len(t, all, 4)
	assert.NotEmpty(t, all[0].ID)

	ok, _ := log.Delete(ctx, "e0")
	assert.True(t, ok)
	_, ok, _ = log.Get(ctx, "e0")
	assert.False(t, ok)
	ok, _ = log.Delete(ctx, "e0")
	assert.False(t, ok)
}

func TestRedisAdapter(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a, err := NewRedisAdapterFromURL(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)

	require.NoError(t, a.AddRule(ctx, "b"))
	require.NoError(t, a.AddRule(ctx, "a&c"))
	require.NoError(t, a.AddRule(ctx, "b"))
	rules, err := a.GetRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a&c", "b"}, rules)

	ok, err := a.RuleExists(ctx, "a&c")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, a.RemoveRule(ctx, "a&c"))
	ok, _ = a.RuleExists(ctx, "a&c")
	assert.False(t, ok)

	require.NoError(t, a.AddBlacklist(ctx, "u2", "spam"))
	require.NoError(t, a.AddBlacklist(ctx, "u1", "flood"))
	ids, err := a.GetBlacklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)

	reason, ok, err := a.BlacklistReason(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "spam", reason)

	require.NoError(t, a.RemoveBlacklist(ctx, "u2"))
	_, ok, err = a.BlacklistReason(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("aiocensor/rules"))
}

func TestRedisAdapterNilClient(t *testing.T) {
	_, err := NewRedisAdapter(nil, "")
	assert.Error(t, err)
	_, err = NewRedisAdapter(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "x/")
	assert.NoError(t, err)
}

type stubStore struct {
	mu    sync.Mutex
	rules map[string]struct{}
}

type stubDriver struct{ store *stubStore }

type stubConn struct{ store *stubStore }

type stubRows struct {
	data []string
	idx  int
}

type stubResult struct{}

func (d *stubDriver) Open(string) (driver.Conn, error) { return &stubConn{store: d.store}, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not used") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not used") }

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	q := strings.ToLower(query)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	switch {
	case strings.Contains(q, "create table"):
		return stubResult{}, nil
	case strings.Contains(q, "insert"):
		rule := fmt.Sprint(args[0].Value)
		if _, ok := c.store.rules[rule]; ok {
			return nil, errors.New("duplicate")
		}
		c.store.rules[rule] = struct{}{}
		return stubResult{}, nil
	case strings.Contains(q, "delete"):
		delete(c.store.rules, fmt.Sprint(args[0].Value))
		return stubResult{}, nil
	default:
		return nil, errors.New("unsupported exec")
	}
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	q := strings.ToLower(query)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if strings.Contains(q, "limit 1") {
		if _, ok := c.store.rules[fmt.Sprint(args[0].Value)]; !ok {
			return &stubRows{data: nil}, nil
		}
		return &stubRows{data: []string{"1"}}, nil
	}
	out := make([]string, 0, len(c.store.rules))
	for rule := range c.store.rules {
		out = append(out, rule)
	}
	return &stubRows{data: out}, nil
}

func (r *stubRows) Columns() []string { return []string{"rule"} }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.data) {
		return io.EOF
	}
	dest[0] = r.data[r.idx]
	r.idx++
	return nil
}

func (stubResult) LastInsertId() (int64, error) { return 0, nil }
func (stubResult) RowsAffected() (int64, error) { return 1, nil }

var _ driver.Driver = (*stubDriver)(nil)
var _ driver.Conn = (*stubConn)(nil)
var _ driver.ExecerContext = (*stubConn)(nil)
var _ driver.QueryerContext = (*stubConn)(nil)
var _ driver.Rows = (*stubRows)(nil)
