package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flashvault/cmd/node"
	"github.com/michaelpento.lv/flashvault/ledger"
)

var vaultFlags struct {
	address string
	mint    string
	amount  uint64
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage lending vaults",
}

var vaultInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Register a vault, opening its token account if needed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := parseAddress("address", vaultFlags.address)
		if err != nil {
			return err
		}
		mint, err := parseAddress("mint", vaultFlags.mint)
		if err != nil {
			return err
		}
		return withNode(cmd, func(n *node.Node) error {
			err := n.Book.OpenAccount(cmd.Context(), addr, mint)
			if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
				return err
			}
			// Registering must not be lost if the process stops right after.
			if err := n.Book.Commit(); err != nil {
				return err
			}
			info, err := n.Protocol.InitVault(cmd.Context(), addr, mint)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"vault":      info.Address.Hex(),
				"mint":       info.Mint.Hex(),
				"created_at": info.CreatedAt,
			})
		})
	},
}

var vaultFundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Mint tokens into a vault",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := parseAddress("address", vaultFlags.address)
		if err != nil {
			return err
		}
		return withNode(cmd, func(n *node.Node) error {
			if _, err := n.Protocol.Vault(addr); err != nil {
				return err
			}
			return fund(cmd, n, addr, vaultFlags.amount)
		})
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered vaults with their balances",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withNode(cmd, func(n *node.Node) error {
			vaults, err := n.Repo.Vaults()
			if err != nil {
				return err
			}
			out := make([]map[string]interface{}, 0, len(vaults))
			for _, v := range vaults {
				balance, err := n.Book.BalanceOf(cmd.Context(), v.Address)
				if err != nil {
					return err
				}
				out = append(out, map[string]interface{}{
					"vault":   v.Address.Hex(),
					"mint":    v.Mint.Hex(),
					"balance": balance,
				})
			}
			return printJSON(cmd, out)
		})
	},
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultInitCmd, vaultFundCmd, vaultListCmd)

	for _, c := range []*cobra.Command{vaultInitCmd, vaultFundCmd} {
		c.Flags().StringVar(&vaultFlags.address, "address", "", "vault account address")
		_ = c.MarkFlagRequired("address")
	}
	vaultInitCmd.Flags().StringVar(&vaultFlags.mint, "mint", "", "mint the vault lends")
	_ = vaultInitCmd.MarkFlagRequired("mint")
	vaultFundCmd.Flags().Uint64Var(&vaultFlags.amount, "amount", 0, "amount to mint into the vault")
	_ = vaultFundCmd.MarkFlagRequired("amount")
}
