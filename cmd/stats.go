package cmd

import (
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flashvault/cmd/node"
)

var statsVault string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the loan counters and current loan slot of a vault",
	RunE: func(cmd *cobra.Command, _ []string) error {
		vault, err := parseAddress("vault", statsVault)
		if err != nil {
			return err
		}
		return withNode(cmd, func(n *node.Node) error {
			stats, err := n.Protocol.Stats(vault)
			if err != nil {
				return err
			}
			slot, err := n.Protocol.LoanState(vault)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"vault":                vault.Hex(),
				"total_loans_issued":   stats.TotalLoansIssued,
				"total_fees_collected": stats.TotalFeesCollected,
				"total_volume":         stats.TotalVolume,
				"average_loan_size":    stats.AverageLoanSize,
				"active":               slot.Active,
				"last_loan_at":         slot.LastLoanAt,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsVault, "vault", "", "vault address")
	_ = statsCmd.MarkFlagRequired("vault")
}
