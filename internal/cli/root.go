package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andywolf/ctxkeeper/internal/config"
	"github.com/andywolf/ctxkeeper/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ctxkeeper",
	Short: "ctxkeeper - governance for self-improving context stores",
	Long: `ctxkeeper watches how a personal context store is used, derives a
self-model of its health, and gates proposed improvements behind risk
classification and human approval.

Proposals are submitted with 'enqueue', reviewed with 'pending', and decided
with 'approve' or 'dismiss'. Repeated dismissals teach ctxkeeper to stop
proposing the same thing.

Example:
  ctxkeeper model
  ctxkeeper enqueue --file proposals.json
  ctxkeeper pending`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set version for --version flag
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .ctxkeeper.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ctxkeeper")
	}

	config.Bind(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
