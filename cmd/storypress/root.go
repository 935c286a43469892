package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	homeDirFlag string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "storypress",
	Short: "Personalized illustration-book generation pipeline",
	Long: `Storypress turns a customer's character reference image into a
printed-ready illustrated book.

For each paid order it:
  - Draws distinct scene prompts from the built-in catalog
  - Generates one illustration per page with the configured provider,
    under a per-order rate limit
  - Persists finished pages as they complete, so interrupted runs resume
    without regenerating work
  - Assembles the pages into a PDF book with captions and page numbers`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.storypress/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDirFlag, "home", "", "storypress home directory (default: ~/.storypress)",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable debug logging",
	)

	rootCmd.AddCommand(versionCmd)
}
