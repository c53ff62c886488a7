package commands_test

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rivet-ci/rivet/client"
	"github.com/rivet-ci/rivet/server"
	"github.com/rivet-ci/rivet/storage/sqlite"
)

// testOrchestrator brings up the real API over a temp sqlite store and
// returns its base URL plus a client for seeding and verification.
func testOrchestrator(t *testing.T) (string, *client.Client) {
	t.Helper()

	dsn := "sqlite://" + filepath.Join(t.TempDir(), "rivet.db")

	store, err := sqlite.NewSqlite(dsn, slog.Default())
	if err != nil {
		t.Fatalf("could not open store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	testServer := httptest.NewServer(server.NewRouter(slog.Default(), store))
	t.Cleanup(testServer.Close)

	return testServer.URL, client.New(testServer.URL)
}

// stubRuntime writes a container CLI that accepts every invocation.
func stubRuntime(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "podman")

	err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755)
	if err != nil {
		t.Fatalf("could not write runtime stub: %v", err)
	}

	return path
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)

	err := os.WriteFile(path, []byte(contents), 0o644)
	if err != nil {
		t.Fatalf("could not write %s: %v", name, err)
	}

	return path
}
