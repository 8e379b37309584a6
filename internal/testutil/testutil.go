// Package testutil provides shared helpers for package tests that need a
// live Postgres instance, mirroring the teacher's own internal/testutil
// package (sandboxed fixtures) adapted to a relational-store fixture.
package testutil

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"fmt"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"kerai/internal/kstore"
)

const dbEnvVar = "KERAI_TEST_DATABASE_URL"

// RequireStore opens and bootstraps a Store against KERAI_TEST_DATABASE_URL,
// skipping the test when that variable isn't set. Every call bootstraps a
// fresh self instance/wallet pair only if one doesn't already exist, so
// tests sharing a database still converge.
func RequireStore(t *testing.T) *kstore.Store {
	t.Helper()
	dsn := os.Getenv(dbEnvVar)
	if dsn == "" {
		t.Skipf("%s not set; skipping test that needs Postgres", dbEnvVar)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	ctx := context.Background()
	store, err := kstore.Open(ctx, dsn, log)
	if err != nil {
		t.Fatalf("testutil: open store: %v", err)
	}
	t.Cleanup(store.Close)

	pub, _, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		t.Fatalf("testutil: generate self keypair: %v", err)
	}
	if err := store.Bootstrap(ctx, fmt.Sprintf("test-%s", t.Name()), pub, "testfp"); err != nil {
		t.Fatalf("testutil: bootstrap: %v", err)
	}
	return store
}
