package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/handoff"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"FUNNELPIPE_STATE_DIR", "DATABASE_URL", "CATALOG_DSN", "CATALOG_FILE", "POLICY_FILE",
		"WHATSAPP_DB_DSN", "TRANSPORT", "API_ADDR", "AMQP_URL", "MAX_IN_FLIGHT", "OPENAI_API_KEY",
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL"} {
		t.Setenv(k, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg := loadEnvironmentConfig()
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, "none", cfg.Transport)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 32, cfg.MaxInFlight)
	assert.Equal(t, "file:"+filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on", cfg.WhatsAppDSN)
	assert.Empty(t, cfg.CatalogDSN)
}

func TestCatalogSharesDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://funnel:pw@db/funnel")
	assert.Equal(t, "postgres://funnel:pw@db/funnel", loadEnvironmentConfig().CatalogDSN)

	t.Setenv("CATALOG_FILE", "/etc/funnelpipe/catalog.yaml")
	assert.Empty(t, loadEnvironmentConfig().CatalogDSN)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSPORT", "Twilio")
	cfg := loadEnvironmentConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := parseFlags(fs, []string{"-state-dir", "/tmp/fp", "-api-addr", ":9090"}, cfg)

	assert.Equal(t, "twilio", *flags.transport)
	assert.Equal(t, ":9090", *flags.apiAddr)
	assert.Equal(t, defaultWhatsAppDSN("/tmp/fp"), *flags.whatsappDSN)
}

func TestExplicitWhatsAppDSNKept(t *testing.T) {
	clearEnv(t)
	t.Setenv("WHATSAPP_DB_DSN", "postgres://wa@db/wa")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := parseFlags(fs, []string{"-state-dir", "/tmp/fp"}, loadEnvironmentConfig())
	assert.Equal(t, "postgres://wa@db/wa", *flags.whatsappDSN)
}

func testFlags(t *testing.T, args ...string) Flags {
	t.Helper()
	clearEnv(t)
	t.Setenv("FUNNELPIPE_STATE_DIR", t.TempDir())
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	return parseFlags(fs, args, loadEnvironmentConfig())
}

func TestOpenLeadStoreBackends(t *testing.T) {
	flags := testFlags(t)
	leads, dedup, err := openLeadStore(flags)
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, leads)
	assert.IsType(t, &store.InMemoryStore{}, dedup)
	require.NoError(t, leads.Close())

	flags = testFlags(t, "-database-url", filepath.Join(t.TempDir(), "leads.db"))
	leads, dedup, err = openLeadStore(flags)
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, leads)
	assert.Same(t, leads, dedup)
	require.NoError(t, leads.Close())
}

func TestOpenCatalog(t *testing.T) {
	cat, err := openCatalog(testFlags(t))
	require.NoError(t, err)
	assert.IsType(t, &catalog.StaticStore{}, cat)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("courses:\n  - id: excel\n    name: Excel Avanzado\n"), 0o644))
	cat, err = openCatalog(testFlags(t, "-catalog-file", path))
	require.NoError(t, err)
	assert.IsType(t, &catalog.FileStore{}, cat)
}

func TestOpenPublisherDefaultsToLog(t *testing.T) {
	pub, err := openPublisher(testFlags(t), config.DefaultPolicy())
	require.NoError(t, err)
	assert.IsType(t, handoff.LogPublisher{}, pub)
}

func TestOpenTransport(t *testing.T) {
	var cleanup closer
	svc, hook, err := openTransport(context.Background(), testFlags(t), &cleanup)
	require.NoError(t, err)
	assert.Nil(t, svc)
	assert.Nil(t, hook)

	_, _, err = openTransport(context.Background(), testFlags(t, "-transport", "telegram"), &cleanup)
	assert.True(t, errors.Is(err, errUnknownTransport))

	svc, hook, err = openTransport(context.Background(), testFlags(t, "-transport", "twilio",
		"-twilio-account-sid", "AC1", "-twilio-auth-token", "tok", "-twilio-from", "+15550001"), &cleanup)
	require.NoError(t, err)
	assert.NotNil(t, svc)
	assert.NotNil(t, hook)
	require.NoError(t, svc.Stop())
	cleanup.run()
}

func TestRunStopsOnCancel(t *testing.T) {
	flags := testFlags(t, "-api-addr", "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, run(ctx, flags))

	_, err := os.Stat(filepath.Join(*flags.stateDir, "funnelpipe.lock"))
	assert.True(t, os.IsNotExist(err))
}
