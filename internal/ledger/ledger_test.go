package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
)

var errBoom = errors.New("boom")

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return New(repo, zap.NewNop(), opts...), repo
}

func registerCard(t *testing.T, l *Ledger, id, balance string) {
	t.Helper()
	_, err := l.RegisterCard(context.Background(), NewCard{ID: id, Name: "Maria", Phone: "11999990000", InitialBalance: balance})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, l *Ledger, id string) string {
	t.Helper()
	card, err := l.Lookup(context.Background(), id)
	require.NoError(t, err)
	return model.FormatMoney(card.Balance)
}

func entriesOf(t *testing.T, repo *repository.MemoryRepository, id string) []model.Transaction {
	t.Helper()
	entries, err := repo.ListTransactions(context.Background(), id)
	require.NoError(t, err)
	return entries
}

func TestLookup(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "100.00")

	t.Run("empty identifier is rejected before storage", func(t *testing.T) {
		repo.FailOn(repository.OpGetCard, errBoom)
		defer repo.ClearFaults()

		_, err := l.Lookup(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrIdentifierRequired)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := l.Lookup(context.Background(), "C2")
		assert.ErrorIs(t, err, ErrCardNotFound)
	})

	t.Run("storage failure is not a miss", func(t *testing.T) {
		repo.FailOn(repository.OpGetCard, errBoom)
		defer repo.ClearFaults()

		_, err := l.Lookup(context.Background(), "C1")
		assert.ErrorIs(t, err, ErrLookupFailed)
		assert.NotErrorIs(t, err, ErrCardNotFound)
	})

	t.Run("idempotent", func(t *testing.T) {
		first, err := l.Lookup(context.Background(), " C1 ")
		require.NoError(t, err)
		second, err := l.Lookup(context.Background(), "C1")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.Name, second.Name)
		assert.True(t, first.Balance.Equal(second.Balance))
	})
}

func TestRegisterCard(t *testing.T) {
	l, repo := newTestLedger(t)

	card, err := l.RegisterCard(context.Background(), NewCard{ID: " C1 ", Name: "Maria", InitialBalance: "100,00"})
	require.NoError(t, err)
	assert.Equal(t, "C1", card.ID)
	assert.Equal(t, "100.00", model.FormatMoney(card.Balance))

	entries := entriesOf(t, repo, "C1")
	require.Len(t, entries, 1)
	assert.Equal(t, model.TransactionKindRegistration, entries[0].Kind)
	assert.Equal(t, "100.00", model.FormatMoney(entries[0].ResultingBalance))

	_, err = l.RegisterCard(context.Background(), NewCard{ID: "C1", Name: "Other"})
	assert.ErrorIs(t, err, ErrCardExists)

	_, err = l.RegisterCard(context.Background(), NewCard{ID: "C3", Name: "Zero"})
	require.NoError(t, err)
	assert.Empty(t, entriesOf(t, repo, "C3"))

	_, err = l.RegisterCard(context.Background(), NewCard{ID: "C4", Name: ""})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = l.RegisterCard(context.Background(), NewCard{ID: "C5", Name: "Neg", InitialBalance: "-1"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDebit(t *testing.T) {
	t.Run("debit within balance", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "100.00")

		entry, err := l.Debit(context.Background(), "C1", "30.00")
		require.NoError(t, err)

		assert.Equal(t, "-30.00", model.FormatMoney(entry.Amount))
		assert.Equal(t, "70.00", model.FormatMoney(entry.ResultingBalance))
		assert.Equal(t, "70.00", balanceOf(t, l, "C1"))

		entries := entriesOf(t, repo, "C1")
		require.Len(t, entries, 2)
		assert.Equal(t, model.TransactionKindDebit, entries[1].Kind)
		assert.Equal(t, "Maria", entries[1].HolderName)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "20.00")

		_, err := l.Debit(context.Background(), "C1", "50.00")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, "20.00", balanceOf(t, l, "C1"))
		assert.Len(t, entriesOf(t, repo, "C1"), 1)
	})

	t.Run("exact balance reaches zero", func(t *testing.T) {
		l, _ := newTestLedger(t)
		registerCard(t, l, "C1", "20.00")

		_, err := l.Debit(context.Background(), "C1", "20")
		require.NoError(t, err)
		assert.Equal(t, "0.00", balanceOf(t, l, "C1"))
	})

	t.Run("invalid amounts", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "20.00")

		for _, amount := range []string{"", "abc", "0", "-5", "1.005"} {
			_, err := l.Debit(context.Background(), "C1", amount)
			assert.ErrorIs(t, err, ErrInvalidAmount, amount)
		}
		assert.Len(t, entriesOf(t, repo, "C1"), 1)
	})
}

func TestRecharge(t *testing.T) {
	t.Run("unknown card", func(t *testing.T) {
		l, repo := newTestLedger(t)

		_, err := l.Recharge(context.Background(), "C2", "10.00")
		assert.ErrorIs(t, err, ErrCardNotFound)
		assert.Empty(t, entriesOf(t, repo, "C2"))
	})

	t.Run("fractional amount", func(t *testing.T) {
		l, _ := newTestLedger(t)
		registerCard(t, l, "C1", "60.00")

		entry, err := l.Recharge(context.Background(), "C1", "15,50")
		require.NoError(t, err)
		assert.Equal(t, "15.50", model.FormatMoney(entry.Amount))
		assert.Equal(t, "75.50", model.FormatMoney(entry.ResultingBalance))
		assert.Equal(t, "75.50", balanceOf(t, l, "C1"))
	})

	t.Run("amount beyond storable range", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "70.00")

		_, err := l.Recharge(context.Background(), "C1", "184467440737095516.16")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.Equal(t, "70.00", balanceOf(t, l, "C1"))
		assert.Len(t, entriesOf(t, repo, "C1"), 1)
	})

	t.Run("resulting balance beyond storable range", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "92233720368547758.00")

		_, err := l.QuoteRecharge(context.Background(), "C1", "1.00")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = l.Recharge(context.Background(), "C1", "1.00")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.Equal(t, "92233720368547758.00", balanceOf(t, l, "C1"))
		assert.Len(t, entriesOf(t, repo, "C1"), 1)
	})
}

func TestQuote(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "20.00")

	q, err := l.QuoteDebit(context.Background(), "C1", "5")
	require.NoError(t, err)
	assert.Equal(t, "15.00", model.FormatMoney(q.ResultingBalance))
	assert.Equal(t, "Maria", q.Card.Name)

	_, err = l.QuoteDebit(context.Background(), "C1", "25")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	q, err = l.QuoteRecharge(context.Background(), "C1", "5")
	require.NoError(t, err)
	assert.Equal(t, "25.00", model.FormatMoney(q.ResultingBalance))

	assert.Equal(t, "20.00", balanceOf(t, l, "C1"))
	assert.Len(t, entriesOf(t, repo, "C1"), 1)
}

func TestCompensation(t *testing.T) {
	t.Run("append failure restores balance", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "100.00")

		repo.FailOn(repository.OpAppendTransaction, errBoom)
		_, err := l.Debit(context.Background(), "C1", "30.00")
		repo.ClearFaults()

		assert.ErrorIs(t, err, ErrLedgerWriteFailed)
		assert.Equal(t, "100.00", balanceOf(t, l, "C1"))
		assert.Len(t, entriesOf(t, repo, "C1"), 1)
	})

	t.Run("balance write failure is a storage error", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "100.00")

		repo.FailOn(repository.OpUpdateCardBalance, errBoom)
		_, err := l.Debit(context.Background(), "C1", "30.00")
		repo.ClearFaults()

		assert.ErrorIs(t, err, ErrTransport)
		assert.Equal(t, "100.00", balanceOf(t, l, "C1"))
	})

	t.Run("failed rollback is reported and detectable", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "100.00")

		repo.FailOn(repository.OpAppendTransaction, errBoom)
		repo.FailOn(repository.OpRollback, errBoom)
		_, err := l.Debit(context.Background(), "C1", "30.00")
		repo.ClearFaults()

		assert.ErrorIs(t, err, ErrLedgerWriteFailed)
		assert.ErrorIs(t, err, repository.ErrRollbackFailed)

		report, err := l.Verify(context.Background(), "C1")
		require.NoError(t, err)
		assert.False(t, report.Consistent)
		assert.Equal(t, "70.00", model.FormatMoney(report.StoredBalance))
		assert.Equal(t, "100.00", model.FormatMoney(report.ReplayedSum))
	})
}

func TestVerify_ReplayMatchesBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	registerCard(t, l, "C1", "100.00")

	ops := []struct {
		debit  bool
		amount string
	}{
		{true, "30.00"},
		{false, "15.50"},
		{true, "0.01"},
		{true, "200.00"},
		{false, "4.51"},
	}
	for _, op := range ops {
		if op.debit {
			_, _ = l.Debit(context.Background(), "C1", op.amount)
		} else {
			_, _ = l.Recharge(context.Background(), "C1", op.amount)
		}
	}

	report, err := l.Verify(context.Background(), "C1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Nil(t, report.FirstMismatch)
	assert.Equal(t, 5, report.Entries)
	assert.Equal(t, "90.00", model.FormatMoney(report.StoredBalance))
}

func TestReplay_FirstMismatch(t *testing.T) {
	card := &model.Card{ID: "C1", Balance: decimal.RequireFromString("70")}
	entries := []model.Transaction{
		{ID: "a", Amount: decimal.RequireFromString("100"), ResultingBalance: decimal.RequireFromString("100")},
		{ID: "b", Amount: decimal.RequireFromString("-30"), ResultingBalance: decimal.RequireFromString("60")},
		{ID: "c", Amount: decimal.RequireFromString("0"), ResultingBalance: decimal.RequireFromString("70")},
	}

	r := Replay(card, entries)
	require.NotNil(t, r.FirstMismatch)
	assert.Equal(t, "b", r.FirstMismatch.ID)
	assert.Equal(t, "70.00", model.FormatMoney(r.ExpectedAtDiff))
	assert.False(t, r.Consistent)
}

func TestConcurrentDebits(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "100.00")

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		ok, denied int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(context.Background(), "C1", "10.00")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 5, denied)
	assert.Equal(t, "0.00", balanceOf(t, l, "C1"))
	assert.Len(t, entriesOf(t, repo, "C1"), 11)
}

func TestEvents(t *testing.T) {
	l, repo := newTestLedger(t, WithEvents("eventcard.ledger"))
	registerCard(t, l, "C1", "60.00")

	_, err := l.Recharge(context.Background(), "C1", "15.50")
	require.NoError(t, err)

	msgs := repo.Outbox()
	require.Len(t, msgs, 2)

	last := msgs[1]
	assert.Equal(t, "eventcard.ledger", last.Topic)
	assert.Equal(t, "C1", last.Key)
	assert.Equal(t, model.OutboxStatusPending, last.Status)

	var ev Event
	require.NoError(t, json.Unmarshal(last.Payload, &ev))
	assert.Equal(t, "RECHARGE", ev.Kind)
	assert.Equal(t, "15.50", ev.Amount)
	assert.Equal(t, "75.50", ev.ResultingBalance)

	t.Run("enqueue failure rolls back the entry", func(t *testing.T) {
		repo.FailOn(repository.OpEnqueueOutbox, errBoom)
		_, err := l.Debit(context.Background(), "C1", "1.00")
		repo.ClearFaults()

		assert.ErrorIs(t, err, ErrLedgerWriteFailed)
		assert.Equal(t, "75.50", balanceOf(t, l, "C1"))
		assert.Len(t, entriesOf(t, repo, "C1"), 2)
	})
}
