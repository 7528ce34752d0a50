package migrate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	sql := `create table a (id text);
insert into a values ('x;y');
create index idx on a (id);`

	stmts := splitStatements(sql)
	if len(stmts) != 3 {
		t.Fatalf("statements = %d, want 3", len(stmts))
	}
	if stmts[1] != "\ninsert into a values ('x;y');" {
		t.Fatalf("semicolon inside string literal split: %q", stmts[1])
	}
}

func TestSplitStatementsTrailingWithoutSemicolon(t *testing.T) {
	stmts := splitStatements("select 1; select 2")
	if len(stmts) != 2 {
		t.Fatalf("statements = %d, want 2", len(stmts))
	}
}

func TestListSQLOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	names, err := listSQL(dir, ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "0001_a.up.sql" || names[1] != "0002_b.up.sql" {
		t.Fatalf("names = %v", names)
	}
}

func TestListSQLMissingDir(t *testing.T) {
	names, err := listSQL(filepath.Join(t.TempDir(), "absent"), ".sql")
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if names != nil {
		t.Fatalf("names = %v, want nil", names)
	}
}
