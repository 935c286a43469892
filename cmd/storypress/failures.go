package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and reset prompt failure records",
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts with recorded content-policy failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		records := a.tracker.Records()
		if len(records) == 0 {
			fmt.Println("No prompt failures recorded.")
			return nil
		}
		if blocked := a.tracker.BlockedPrompts(); len(blocked) > 0 {
			fmt.Printf("%d prompt(s) blocked from selection.\n\n", len(blocked))
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FAILURES\tBLOCKED\tLAST\tPROMPT")
		for _, rec := range records {
			blocked := ""
			if a.tracker.IsBlocked(rec.Prompt) {
				blocked = "yes"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				rec.Count, blocked, rec.LastFailure.Format("2006-01-02 15:04"), rec.Prompt)
		}
		return w.Flush()
	},
}

var failuresResetAll bool

var failuresResetCmd = &cobra.Command{
	Use:   "reset [prompt]",
	Short: "Clear failure records for a prompt, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if failuresResetAll {
			if err := a.tracker.ResetAll(); err != nil {
				return err
			}
			fmt.Println("All prompt failure records cleared.")
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("provide a prompt or --all")
		}
		if err := a.tracker.Reset(args[0]); err != nil {
			return err
		}
		fmt.Printf("Failure record cleared for %q\n", args[0])
		return nil
	},
}

func init() {
	failuresResetCmd.Flags().BoolVar(&failuresResetAll, "all", false, "clear every prompt failure record")
	failuresCmd.AddCommand(failuresListCmd, failuresResetCmd)
	rootCmd.AddCommand(failuresCmd)
}
