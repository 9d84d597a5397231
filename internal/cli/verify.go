package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/model"
)

// ErrInconsistent возвращается, если баланс хотя бы одной карты не совпал с журналом.
var ErrInconsistent = errors.New("ledger inconsistencies found")

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(verifyCmd)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Check card ledgers",
}

var verifyCmd = &cobra.Command{
	Use:   "verify CARD_ID...",
	Short: "Replay card ledgers and compare with stored balances",
	Long: `Replay the ledger of each card from zero and compare the result with the
stored balance. Exits with an error if any card does not match.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
			out := cmd.OutOrStdout()
			bad := 0
			for _, id := range args {
				r, err := l.Verify(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("verify %s: %w", id, err)
				}
				if r.Consistent {
					fmt.Fprintf(out, "%s: ok (%d entries, balance %s)\n", r.CardID, r.Entries, model.FormatMoney(r.StoredBalance))
					continue
				}

				bad++
				fmt.Fprintf(out, "%s: MISMATCH stored %s, replayed %s\n",
					r.CardID, model.FormatMoney(r.StoredBalance), model.FormatMoney(r.ReplayedSum))
				if r.FirstMismatch != nil {
					fmt.Fprintf(out, "  first bad entry %s: resulting %s, expected %s\n",
						r.FirstMismatch.ID, model.FormatMoney(r.FirstMismatch.ResultingBalance), model.FormatMoney(r.ExpectedAtDiff))
				}
			}
			if bad > 0 {
				return fmt.Errorf("%w: %d of %d cards", ErrInconsistent, bad, len(args))
			}
			return nil
		})
	},
}
