// Package cmd implements the guardctl command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/client"
)

var (
	cfgFile string
	cfg     = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "guardctl",
	Short: "abuseguard operator CLI",
	Long: `guardctl is the command-line interface for abuseguard.

Block and suspend abusers, manage allow and deny lists, load threat
patterns, review alerts and replay synthetic traffic against a running
engine.

Flags can also be set through GUARDCTL_* environment variables or a
config file (default: $HOME/.guardctl.yaml).`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.guardctl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8090", "abuseguard base URL")
	rootCmd.PersistentFlags().String("token", "", "operator bearer token")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")

	for _, name := range []string{"server", "token", "output", "timeout"} {
		_ = cfg.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	cfg.SetEnvPrefix("GUARDCTL")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
}

func initConfig() {
	if cfgFile != "" {
		cfg.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		cfg.SetConfigFile(filepath.Join(home, ".guardctl.yaml"))
	}
	if err := cfg.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
	}
}

func newClient() *client.Client {
	return client.New(cfg.GetString("server"), cfg.GetString("token"))
}

func outputFormat() string {
	return cfg.GetString("output")
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, cfg.GetDuration("timeout"))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
