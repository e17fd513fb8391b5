package mysql

import (
	"testing"
	"testing/fstest"
)

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	content := "-- jobs\nCREATE TABLE a (id INT);\n\n  -- index\nCREATE INDEX idx ON a (id);\n"
	statements := splitSQLStatements(content)
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d: %#v", len(statements), statements)
	}
	if statements[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("unexpected first statement: %q", statements[0])
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	files := fstest.MapFS{
		"0002_add_index.sql":   {Data: []byte("CREATE INDEX i ON jobs (status);")},
		"0001_create_jobs.sql": {Data: []byte("CREATE TABLE jobs (id INT);")},
		"README.md":            {Data: []byte("ignored")},
		"0003_empty.sql":       {Data: []byte("-- nothing\n")},
	}
	loaded, err := loadMigrationFiles(files)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(loaded))
	}
	if loaded[0].version != "0001" || loaded[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", loaded[0].version, loaded[1].version)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_jobs.sql": "0001",
		"0002.sql":             "0002",
		"plain":                "plain",
	}
	for input, want := range cases {
		if got := parseMigrationVersion(input); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", input, got, want)
		}
	}
}
