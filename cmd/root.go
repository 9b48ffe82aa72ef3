package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flashvault/cmd/node"
	"github.com/michaelpento.lv/flashvault/config"
	"github.com/michaelpento.lv/flashvault/utils"
)

var (
	cfgFile string
	debug   bool
	appCfg  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "flashvault",
	Short: "Flash loan vaults with atomic repayment",
	Long: `flashvault manages token vaults that lend their pooled balance as
flash loans. A loan is disbursed, used and repaid with a fee inside one call,
or every balance is restored.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flashvault.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Debug = true
	}
	cfg.Logger = utils.InitLogger(cfg.Log.Debug, cfg.Log.File)
	appCfg = cfg
	return nil
}

// withNode opens the node for a one-shot command and closes it afterwards,
// committing ledger changes made by fn.
func withNode(cmd *cobra.Command, fn func(n *node.Node) error) error {
	n, err := node.New(cmd.Context(), appCfg, appCfg.Logger)
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		appCfg.Logger.Debug("Command failed", zap.String("command", cmd.CommandPath()), zap.Error(err))
		_ = n.Close()
		return err
	}
	return n.Close()
}

func parseAddress(name, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, value)
	}
	return common.HexToAddress(value), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
