package cli

import (
	"fmt"
	"os"

	"github.com/numroute/numroute/internal/config"
	"github.com/numroute/numroute/internal/convstore"
	"github.com/numroute/numroute/internal/registry"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ numroute Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 numroute Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, serr := os.Stat(configPath); serr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults + env apply)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ Invalid: %v\n", err)
			return
		}
		fmt.Printf("Store:   %s\n", cfg.Store.Path)
		fmt.Printf("Queue:   %s\n", cfg.Queue.Backend)
		if cfg.Agent.APIKey != "" {
			fmt.Println("Agent Key: ✓ Found")
		} else {
			fmt.Println("Agent Key: ✗ Not found")
		}

		if _, err := os.Stat(cfg.Store.Path); err != nil {
			fmt.Println("Status:  Store not initialized (run 'numroute serve' once)")
			return
		}

		store, err := registry.OpenStore(cfg.Store.Path)
		if err != nil {
			fmt.Printf("Store:   ✗ Unable to open: %v\n", err)
			return
		}
		defer store.Close()

		reg := registry.New(store)
		stats := reg.GetStats()
		fmt.Printf("Agents:   %d (%d mappings)\n", stats.TotalAgents, stats.TotalMappings)
		fmt.Printf("Channels: %d total, %d active\n", stats.TotalChannels, stats.ActiveChannels)

		conv := convstore.NewWithDB(store.DB())
		if overview, err := conv.Overview(); err == nil {
			fmt.Printf("Conversations: %d across %d phone partitions\n", overview.TotalConversations, overview.TotalPartitions)
		}

		report := reg.ValidateConfiguration()
		if report.Valid {
			fmt.Println("Routing:  ✓ Valid")
		} else {
			fmt.Printf("Routing:  ✗ %d issue(s)\n", len(report.Issues))
			for _, issue := range report.Issues {
				fmt.Println("  - " + issue)
			}
		}
		for _, warn := range report.Warnings {
			fmt.Println("  ⚠ " + warn)
		}
		fmt.Println("Status:  Ready")
	},
}
