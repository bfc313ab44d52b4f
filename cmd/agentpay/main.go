package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vitwit/x402-agent/config"
)

var rootCmd = &cobra.Command{
	Use:   "agentpay",
	Short: "Pay-per-call HTTP client for autonomous agents",
	Long: `agentpay fetches HTTP resources and settles 402 Payment Required challenges
in USDC, subject to budget, vendor and rate limit policies.

Configuration comes from --config (YAML) with AGENTPAY_* environment overrides.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTPAY_CLI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to agentpay.yaml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(networksCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// withRuntime builds the agent, runs fn and persists mutator state.
func withRuntime(ctx context.Context, fn func(rt *config.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := config.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	runErr := fn(rt)
	if err := rt.SaveState(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
