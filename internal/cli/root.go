package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/numroute/numroute/internal/cli.version=1.2.3"
	version = "1.4.0"
	logo    = "\n" +
		"  _ __  _   _ _ __ ___  _ __ ___  _   _| |_ ___\n" +
		" | '_ \\| | | | '_ ` _ \\| '__/ _ \\| | | | __/ _ \\\n" +
		" | | | | |_| | | | | | | | | (_) | |_| | ||  __/\n" +
		" |_| |_|\\__,_|_| |_| |_|_|  \\___/ \\__,_|\\__\\___|\n"
)

var rootCmd = &cobra.Command{
	Use:   "numroute",
	Short: "numroute - Phone-number message routing gateway",
	Long:  color.CyanString(logo) + "\nRoutes inbound channel messages to conversational agents by business phone number.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
}
