package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runResumeFrom int

var runCmd = &cobra.Command{
	Use:   "run <order-id>",
	Short: "Generate and assemble the book for a paid order",
	Long: `Generate every missing page for an order, then assemble the book.

Pages persist as they finish, so an interrupted run picks up where it
left off. --resume-from is an optional hint; the persisted pages are
always authoritative.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		a.watchConfig()

		if err := a.orchestrator().Run(cmd.Context(), args[0], runResumeFrom); err != nil {
			return err
		}

		o, err := a.store.GetOrder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Order %s %s", o.ID, o.Status)
		if o.ArtifactPath != "" {
			fmt.Printf(": %s", o.ArtifactPath)
		}
		fmt.Println()
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every order interrupted mid-generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		a.watchConfig()

		return a.orchestrator().ResumeAll(cmd.Context())
	},
}

var assembleCmd = &cobra.Command{
	Use:   "assemble <order-id>",
	Short: "Assemble the book for an order with all pages generated",
	Long: `Assemble (or re-assemble) the book PDF from an order's persisted
pages. Useful when generation finished but assembly failed, for
example because the tracer binary was missing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orchestrator().Finalize(cmd.Context(), args[0]); err != nil {
			return err
		}
		o, err := a.store.GetOrder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Book assembled: %s\n", o.ArtifactPath)
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runResumeFrom, "resume-from", 0, "resume hint: number of pages already persisted")
	rootCmd.AddCommand(runCmd, resumeCmd, assembleCmd)
}
