package cmd

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flashvault/config"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage borrower signing keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a secp256k1 borrower key",
	Long: `Generate a borrower key. Export the printed private key as
` + config.EnvBorrowerKey + ` to sign loans with it.`,
	// Needs neither config nor store.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]string{
			"private_key": hexutil.Encode(crypto.FromECDSA(key)),
			"address":     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		})
	},
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyGenerateCmd)
}
