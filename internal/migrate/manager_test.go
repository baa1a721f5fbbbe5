package migrate

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("create table a(x text default 'a;b');\ninsert into a values ('c');\n  ")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
}

func TestCollectSQLOrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("select 2;")},
		"0001_a.up.sql":   {Data: []byte("select 1;")},
		"0001_a.down.sql": {Data: []byte("select 0;")},
		"README.md":       {Data: []byte("x")},
	}
	ups, err := collectSQL(fsys, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 2 || ups[0] != "0001_a.up.sql" || ups[1] != "0002_b.up.sql" {
		t.Fatalf("unexpected order: %v", ups)
	}
	seeds, err := collectSQL(fsys, ".sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 0 {
		t.Fatalf("migration files must not be treated as seeds: %v", seeds)
	}
	if none, err := collectSQL(nil, ".sql"); err != nil || none != nil {
		t.Fatalf("nil fs: %v %v", none, err)
	}
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table t1(id text);")},
		"0002_more.up.sql":   {Data: []byte("create table t2(id text); create index t2_idx on t2(id);")},
		"0002_more.down.sql": {Data: []byte("drop table t2;")},
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table t2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index t2_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mgr := NewManager(db, fsys, nil, WithClock(func() time.Time { return now }))
	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_more.up.sql" {
		t.Fatalf("unexpected applied: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLast(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table t1(id text);")},
		"0001_init.down.sql": {Data: []byte("drop table t1;")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table t1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations where name").
		WithArgs("0001_init.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	last, err := NewManager(db, fsys, nil).Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if last != "0001_init.up.sql" {
		t.Fatalf("unexpected rollback: %s", last)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithEmptyHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := NewManager(db, fstest.MapFS{}, nil).Down(context.Background()); err != ErrNothingApplied {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}
