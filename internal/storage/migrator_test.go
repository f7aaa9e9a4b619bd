package storage

import (
	"slices"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"single statement", "CREATE TABLE test (id INT)", []string{"CREATE TABLE test (id INT)"}},
		{"multiple statements", "CREATE TABLE a (id INT); CREATE TABLE b (id INT)", []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}},
		{"semicolon in string", "INSERT INTO t VALUES ('hello; world')", []string{"INSERT INTO t VALUES ('hello; world')"}},
		{"comments dropped", "-- Comment\nCREATE TABLE a (id INT);\n-- Another\nCREATE TABLE b (id INT)", []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}},
		{"comment only", "-- nothing here;\n", nil},
		{"empty string", "", nil},
		{"only whitespace", "   \n\t  ", nil},
		{"trailing semicolon", "CREATE TABLE test (id INT);", []string{"CREATE TABLE test (id INT)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitStatements(tt.sql); !slices.Equal(got, tt.want) {
				t.Errorf("splitStatements() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) < 2 {
		t.Fatalf("loaded %d migrations", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
		stmts := splitStatements(m.SQL)
		if len(stmts) != 1 || !strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS") {
			t.Errorf("migration %s statements = %q", m.Name, stmts)
		}
	}
	if migrations[0].Name != "create_alert_deliveries" || migrations[1].Name != "create_escalation_executions" {
		t.Errorf("names = %s, %s", migrations[0].Name, migrations[1].Name)
	}
}
