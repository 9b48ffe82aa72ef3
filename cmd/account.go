package cmd

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flashvault/cmd/node"
)

var accountFlags struct {
	address string
	mint    string
	amount  uint64
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage ledger token accounts",
}

var accountOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a token account holding one mint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := parseAddress("address", accountFlags.address)
		if err != nil {
			return err
		}
		mint, err := parseAddress("mint", accountFlags.mint)
		if err != nil {
			return err
		}
		return withNode(cmd, func(n *node.Node) error {
			if err := n.Book.OpenAccount(cmd.Context(), addr, mint); err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"account": addr.Hex(), "mint": mint.Hex()})
		})
	},
}

var accountFundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Mint tokens into an account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := parseAddress("address", accountFlags.address)
		if err != nil {
			return err
		}
		return withNode(cmd, func(n *node.Node) error {
			return fund(cmd, n, addr, accountFlags.amount)
		})
	},
}

var accountBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the balance of an account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := parseAddress("address", accountFlags.address)
		if err != nil {
			return err
		}
		return withNode(cmd, func(n *node.Node) error {
			acc, err := n.Book.Account(addr)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"account": addr.Hex(),
				"mint":    acc.Mint.Hex(),
				"balance": acc.Balance,
			})
		})
	},
}

func fund(cmd *cobra.Command, n *node.Node, addr common.Address, amount uint64) error {
	if err := n.Book.Mint(cmd.Context(), addr, amount); err != nil {
		return err
	}
	balance, err := n.Book.BalanceOf(cmd.Context(), addr)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]interface{}{"balance": balance})
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountOpenCmd, accountFundCmd, accountBalanceCmd)

	accountCmd.PersistentFlags().StringVar(&accountFlags.address, "address", "", "account address")
	_ = accountCmd.MarkPersistentFlagRequired("address")
	accountOpenCmd.Flags().StringVar(&accountFlags.mint, "mint", "", "mint held by the account")
	_ = accountOpenCmd.MarkFlagRequired("mint")
	accountFundCmd.Flags().Uint64Var(&accountFlags.amount, "amount", 0, "amount to mint")
	_ = accountFundCmd.MarkFlagRequired("amount")
}
