package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// fakeMigratorDB records executed SQL. Applied migrations are looked up in
// applied by filename.
type fakeMigratorDB struct {
	applied   map[string]string
	execErr   error
	lookupErr error
	beginErr  error
	tx        *fakeTxMig
	execs     []string
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.lookupErr != nil {
		return &fakeRowMig{err: f.lookupErr}
	}
	name, _ := args[0].(string)
	sum, ok := f.applied[name]
	if !ok {
		return &fakeRowMig{err: pgx.ErrNoRows}
	}
	return &fakeRowMig{checksum: sum}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeTxMig{}
	}
	return f.tx, nil
}

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"0002_b.sql": {Data: []byte("CREATE TABLE b ();")},
		"0001_a.sql": {Data: []byte("CREATE TABLE a ();")},
		"README.md":  {Data: []byte("ignored")},
	}
}

func TestRunAppliesPendingInOrder(t *testing.T) {
	t.Parallel()

	db := &fakeMigratorDB{applied: map[string]string{}}
	m := &migrator{db: db, files: testFiles(), log: zerolog.Nop()}
	done, err := m.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(done, ",") != "0001_a.sql,0002_b.sql" {
		t.Fatalf("unexpected order %v", done)
	}
	if db.tx.commits != 2 || len(db.tx.execs) != 4 {
		t.Fatalf("expected two committed migrations, got commits=%d execs=%v", db.tx.commits, db.tx.execs)
	}
	if !strings.Contains(db.tx.execs[0], "CREATE TABLE a") || !strings.Contains(db.tx.execs[1], "schema_migrations") {
		t.Fatalf("unexpected tx statements %v", db.tx.execs)
	}
	if db.tx.args[1][1] != checksum([]byte("CREATE TABLE a ();")) {
		t.Fatalf("checksum not recorded: %v", db.tx.args[1])
	}
}

func TestRunSkipsAppliedAndDetectsDrift(t *testing.T) {
	t.Parallel()

	db := &fakeMigratorDB{applied: map[string]string{
		"0001_a.sql": checksum([]byte("CREATE TABLE a ();")),
		"0002_b.sql": "",
	}}
	m := &migrator{db: db, files: testFiles(), log: zerolog.Nop()}
	done, err := m.run(context.Background())
	if err != nil || len(done) != 0 {
		t.Fatalf("expected nothing applied, got %v err=%v", done, err)
	}

	db.applied["0001_a.sql"] = "deadbeef"
	if _, err := m.run(context.Background()); !errors.Is(err, errChecksumMismatch) {
		t.Fatalf("expected errChecksumMismatch, got %v", err)
	}
}

func TestRunDryRunListsPending(t *testing.T) {
	t.Parallel()

	db := &fakeMigratorDB{applied: map[string]string{"0001_a.sql": ""}}
	m := &migrator{db: db, files: testFiles(), log: zerolog.Nop(), dryRun: true}
	done, err := m.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(done) != 1 || done[0] != "0002_b.sql" || db.tx != nil {
		t.Fatalf("dry run must not open transactions: done=%v tx=%v", done, db.tx)
	}
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		m    func() *migrator
		want string
	}{
		{name: "nil db", m: func() *migrator { return &migrator{files: testFiles()} }, want: "db required"},
		{name: "nil files", m: func() *migrator { return &migrator{db: &fakeMigratorDB{}} }, want: "migrations dir required"},
		{
			name: "bootstrap fails",
			m: func() *migrator {
				return &migrator{db: &fakeMigratorDB{execErr: errors.New("denied")}, files: testFiles(), log: zerolog.Nop()}
			},
			want: "create schema_migrations",
		},
		{
			name: "lookup fails",
			m: func() *migrator {
				return &migrator{db: &fakeMigratorDB{lookupErr: errors.New("conn reset")}, files: testFiles(), log: zerolog.Nop()}
			},
			want: "migration lookup",
		},
		{
			name: "begin fails",
			m: func() *migrator {
				return &migrator{db: &fakeMigratorDB{beginErr: errors.New("busy")}, files: testFiles(), log: zerolog.Nop()}
			},
			want: "begin migration tx",
		},
		{
			name: "apply fails",
			m: func() *migrator {
				db := &fakeMigratorDB{tx: &fakeTxMig{execErr: errors.New("syntax error")}}
				return &migrator{db: db, files: testFiles(), log: zerolog.Nop()}
			},
			want: "apply migration 0001_a.sql",
		},
		{
			name: "mark fails",
			m: func() *migrator {
				db := &fakeMigratorDB{tx: &fakeTxMig{execErr: errors.New("dup"), failOn: 2}}
				return &migrator{db: db, files: testFiles(), log: zerolog.Nop()}
			},
			want: "mark migration 0001_a.sql",
		},
		{
			name: "commit fails",
			m: func() *migrator {
				db := &fakeMigratorDB{tx: &fakeTxMig{commitErr: errors.New("serialization")}}
				return &migrator{db: db, files: testFiles(), log: zerolog.Nop()}
			},
			want: "commit migration 0001_a.sql",
		},
		{
			name: "unreadable file",
			m: func() *migrator {
				return &migrator{db: &fakeMigratorDB{}, files: unreadableFS{}, log: zerolog.Nop()}
			},
			want: "read migration",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.m().run(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRunRollsBackFailedMigration(t *testing.T) {
	t.Parallel()

	tx := &fakeTxMig{execErr: errors.New("boom")}
	m := &migrator{db: &fakeMigratorDB{tx: tx}, files: testFiles(), log: zerolog.Nop()}
	if _, err := m.run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if tx.rollbacks != 1 || tx.commits != 0 {
		t.Fatalf("rollbacks=%d commits=%d", tx.rollbacks, tx.commits)
	}
}
