package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"kinvest.ai/cloud/storage"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	names := []string{}
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "sync")

	syncCmd, _, err := root.Find([]string{"sync"})
	require.NoError(t, err)
	assert.NotNil(t, syncCmd.Flags().Lookup("cleanup"))
	assert.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestRootCommandRejectsUnknownCommand(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"migrate-everything"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	assert.Error(t, root.Execute())
}

func TestSyncCommandRequiresConfiguration(t *testing.T) {
	for _, name := range []string{"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "CRON_SECRET"} {
		t.Setenv(name, "")
	}

	root := newRootCmd()
	root.SetArgs([]string{"sync", "--env-file", t.TempDir() + "/missing.env"})
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRON_SECRET")
}

type failingCloseStorage struct {
	storage.Storage
}

func (failingCloseStorage) Close() error { return errors.New("database is locked") }

func TestCloseStorageLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	closeStorage(zap.New(core), failingCloseStorage{Storage: storage.NewMemoryStorage()})

	entries := logs.FilterMessage("failed to close storage").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "database is locked", entries[0].ContextMap()["error"])
}
