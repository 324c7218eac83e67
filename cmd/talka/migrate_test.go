package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/talka/historico/internal/auth"
	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/pkg/config"
)

// seedArchive creates one user with a two-message conversation whose stored
// summary is stale.
func seedArchive(t *testing.T, cfg *config.Config) *db.DB {
	t.Helper()

	database, err := openDatabase(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	_, err = database.GetConn().Exec(`
		INSERT INTO users (id, username, password_hash) VALUES (1, 'maria', 'x');
		INSERT INTO conversations (id, title, message_count, last_message, user_id)
			VALUES ('c1', 'Ana', 0, '', 1);
		INSERT INTO messages (conversation_id, sent_at, sender, content, from_me)
			VALUES ('c1', '2024-03-12 10:15:00', 'Ana', 'Oi', 0);
		INSERT INTO messages (conversation_id, sent_at, sender, content, from_me)
			VALUES ('c1', '2024-03-12 10:16:00', 'Você', 'Olá', 1);
	`)
	if err != nil {
		database.Close()
		t.Fatalf("failed to seed archive: %v", err)
	}
	return database
}

func TestSummariesMigrationDryRun(t *testing.T) {
	cfg := testConfig(t)
	database := seedArchive(t, cfg)
	defer database.Close()

	var out bytes.Buffer
	if err := runSummariesMigration(context.Background(), database, true, &out); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Dry run: 1 conversation") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	var count int
	database.GetConn().QueryRow("SELECT message_count FROM conversations WHERE id = 'c1'").Scan(&count)
	if count != 0 {
		t.Fatalf("dry run changed message_count to %d", count)
	}
}

func TestSummariesMigration(t *testing.T) {
	cfg := testConfig(t)
	database := seedArchive(t, cfg)
	defer database.Close()

	var out bytes.Buffer
	if err := runSummariesMigration(context.Background(), database, false, &out); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if !strings.Contains(out.String(), "Refreshed 1") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	var count int
	var last string
	database.GetConn().QueryRow("SELECT message_count, last_message FROM conversations WHERE id = 'c1'").Scan(&count, &last)
	if count != 2 || last != "Olá" {
		t.Fatalf("summary not refreshed: count=%d last=%q", count, last)
	}

	out.Reset()
	if err := runSummariesMigration(context.Background(), database, false, &out); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !strings.Contains(out.String(), "up to date") {
		t.Fatalf("second run should find nothing stale: %s", out.String())
	}
}

func TestMigrateCommandCreatesSchema(t *testing.T) {
	cfg := testConfig(t)
	cmd := newMigrateCmd(cfg)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out.String(), "Schema is up to date (sqlite)") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestCreateAdmin(t *testing.T) {
	cfg := testConfig(t)
	database, err := openDatabase(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	svc := auth.New(database.GetConn(), cfg.JWTSecret)

	if err := createAdmin(context.Background(), svc, "", &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error without a password")
	}

	var out bytes.Buffer
	if err := createAdmin(context.Background(), svc, "admin-secret", &out); err != nil {
		t.Fatalf("createAdmin failed: %v", err)
	}
	if err := createAdmin(context.Background(), svc, "admin-secret", &out); err != nil {
		t.Fatalf("second createAdmin failed: %v", err)
	}
	if out.String() != "Admin user created\nAdmin user already exists\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	user, _, err := svc.Login(context.Background(), "admin", "admin-secret")
	if err != nil || !user.IsAdmin() {
		t.Fatalf("admin login failed: %v", err)
	}
}
