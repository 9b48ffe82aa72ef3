package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flashvault/auth"
	"github.com/michaelpento.lv/flashvault/cmd/node"
	"github.com/michaelpento.lv/flashvault/config"
	"github.com/michaelpento.lv/flashvault/flashloan"
	"github.com/michaelpento.lv/flashvault/types"
)

var loanFlags struct {
	vault   string
	account string
	amount  uint64
	ttl     time.Duration
}

var loanCmd = &cobra.Command{
	Use:   "loan",
	Short: "Execute a flash loan signed with the borrower key",
	Long: `Execute a flash loan from --vault into --account. The request is signed
with the key in ` + config.EnvBorrowerKey + `. The borrower takes no action
with the funds, so --account must already hold the fee.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		vault, err := parseAddress("vault", loanFlags.vault)
		if err != nil {
			return err
		}
		account, err := parseAddress("account", loanFlags.account)
		if err != nil {
			return err
		}
		rawKey, err := config.GetRequiredEnv(config.EnvBorrowerKey)
		if err != nil {
			return err
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", config.EnvBorrowerKey, err)
		}

		return withNode(cmd, func(n *node.Node) error {
			info, err := n.Protocol.Vault(vault)
			if err != nil {
				return err
			}
			req := types.LoanRequest{
				Vault:           vault,
				BorrowerAccount: account,
				Mint:            info.Mint,
				Amount:          loanFlags.amount,
				Expiration:      time.Now().Add(loanFlags.ttl),
			}
			if err := auth.Sign(&req, key); err != nil {
				return err
			}
			receipt, err := n.Protocol.ExecuteFlashLoan(cmd.Context(), req, flashloan.ReceiverFunc(func(context.Context, flashloan.Loan) error {
				return nil
			}))
			if err != nil {
				return err
			}
			return printJSON(cmd, receipt)
		})
	},
}

func init() {
	rootCmd.AddCommand(loanCmd)
	loanCmd.Flags().StringVar(&loanFlags.vault, "vault", "", "vault to borrow from")
	loanCmd.Flags().StringVar(&loanFlags.account, "account", "", "borrower token account")
	loanCmd.Flags().Uint64Var(&loanFlags.amount, "amount", 0, "amount to borrow")
	loanCmd.Flags().DurationVar(&loanFlags.ttl, "ttl", 30*time.Second, "time until the request expires")
	_ = loanCmd.MarkFlagRequired("vault")
	_ = loanCmd.MarkFlagRequired("account")
	_ = loanCmd.MarkFlagRequired("amount")
}
