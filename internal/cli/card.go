package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/model"
)

func init() {
	rootCmd.AddCommand(cardCmd)
	cardCmd.AddCommand(cardShowCmd)
	cardCmd.AddCommand(cardHistoryCmd)
}

var cardCmd = &cobra.Command{
	Use:   "card",
	Short: "Inspect stored-value cards",
}

var cardShowCmd = &cobra.Command{
	Use:   "show CARD_ID",
	Short: "Show card holder and balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
			card, err := l.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Card:    %s\n", card.ID)
			fmt.Fprintf(out, "Holder:  %s\n", card.Name)
			if card.Phone != "" {
				fmt.Fprintf(out, "Phone:   %s\n", card.Phone)
			}
			fmt.Fprintf(out, "Balance: %s\n", model.FormatMoney(card.Balance))
			return nil
		})
	},
}

var cardHistoryCmd = &cobra.Command{
	Use:   "history CARD_ID",
	Short: "List ledger entries of a card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
			entries, err := l.Transactions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tKIND\tAMOUNT\tBALANCE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					e.Kind,
					model.FormatMoney(e.Amount),
					model.FormatMoney(e.ResultingBalance),
				)
			}
			return w.Flush()
		})
	},
}
