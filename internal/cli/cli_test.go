package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/repository"
)

var errBoom = errors.New("boom")

func useMemoryStore(t *testing.T) *repository.MemoryRepository {
	t.Helper()
	repo := repository.NewMemoryRepository()

	prev := openStore
	openStore = func(context.Context, string) (Store, error) { return repo, nil }
	t.Cleanup(func() { openStore = prev })
	return repo
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCardShowAndHistory(t *testing.T) {
	repo := useMemoryStore(t)
	l := ledger.New(repo, zap.NewNop())
	_, err := l.RegisterCard(context.Background(), ledger.NewCard{ID: "C1", Name: "Maria", InitialBalance: "100"})
	require.NoError(t, err)
	_, err = l.Debit(context.Background(), "C1", "30")
	require.NoError(t, err)

	out, err := run(t, "card", "show", "C1")
	require.NoError(t, err)
	assert.Contains(t, out, "Maria")
	assert.Contains(t, out, "70.00")

	out, err = run(t, "card", "history", "C1")
	require.NoError(t, err)
	assert.Contains(t, out, "REGISTRATION")
	assert.Contains(t, out, "-30.00")

	_, err = run(t, "card", "show", "C9")
	assert.ErrorIs(t, err, ledger.ErrCardNotFound)
}

func TestLedgerVerify(t *testing.T) {
	repo := useMemoryStore(t)
	l := ledger.New(repo, zap.NewNop())
	for _, id := range []string{"C1", "C2"} {
		_, err := l.RegisterCard(context.Background(), ledger.NewCard{ID: id, Name: "Maria", InitialBalance: "100"})
		require.NoError(t, err)
	}

	out, err := run(t, "ledger", "verify", "C1", "C2")
	require.NoError(t, err)
	assert.Contains(t, out, "C1: ok")

	repo.FailOn(repository.OpAppendTransaction, errBoom)
	repo.FailOn(repository.OpRollback, errBoom)
	_, err = l.Debit(context.Background(), "C2", "30")
	require.Error(t, err)
	repo.ClearFaults()

	out, err = run(t, "ledger", "verify", "C1", "C2")
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.Contains(t, out, "C2: MISMATCH")
}

func TestMigrateRequiresDatabase(t *testing.T) {
	databaseURI = ""
	_, err := run(t, "migrate")
	assert.Error(t, err)
}
