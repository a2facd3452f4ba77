package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/numroute/numroute/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		masked := *cfg
		masked.Agent.APIKey = maskSecret(cfg.Agent.APIKey)
		masked.Channels.SMS.APIKey = maskSecret(cfg.Channels.SMS.APIKey)
		masked.Channels.Media.APIKey = maskSecret(cfg.Channels.Media.APIKey)
		out, err := json.MarshalIndent(masked, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, serr := os.Stat(path); serr == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: none (defaults + env apply)\n")
		}
		if _, err := config.Load(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration: ✓ Valid")
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, serr := os.Stat(path); serr == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.Save(config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
		return nil
	},
}

func maskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd)
}
