// Package cli содержит команды утилиты администрирования eventcardctl.
package cli

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/repository"
)

// Store описывает хранилище, с которым работают команды.
type Store interface {
	ledger.Store
	Close() error
}

// openStore открывает хранилище по строке подключения. Подменяется в тестах.
var openStore = func(_ context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("database URI is required: use --database or DATABASE_URI")
	}
	repo, err := repository.NewPostgresRepository(dsn)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

var databaseURI string

var rootCmd = &cobra.Command{
	Use:          "eventcardctl",
	Short:        "Administer the event card service",
	Long:         `Maintenance commands for the event card service: database migrations, card inspection and ledger verification.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&databaseURI, "database", "d", os.Getenv("DATABASE_URI"), "database URI")
}

// Execute запускает корневую команду.
func Execute() error {
	return rootCmd.Execute()
}

// withLedger открывает хранилище и передаёт журнал в fn.
func withLedger(ctx context.Context, fn func(l *ledger.Ledger) error) error {
	store, err := openStore(ctx, databaseURI)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ledger.New(store, zap.NewNop()))
}
