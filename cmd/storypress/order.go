package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/storypress/storypress/internal/store"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manage book orders",
}

var orderCreateCmd = &cobra.Command{
	Use:   "create <spec.yaml>",
	Short: "Create an order from a spec file",
	Long: `Create an order from a YAML spec file:

  customer:
    name: Ada Lovelace
    email: ada@example.com
  reference_image: ./ada.png
  style: watercolor
  pages: 12

The reference image is copied into the storypress home directory, so
the original file is not needed after creation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		spec, err := store.LoadOrderSpec(args[0])
		if err != nil {
			return err
		}
		order := spec.ToOrder()

		if err := a.home.EnsurePagesDir(order.ID); err != nil {
			return err
		}
		refCopy := a.home.ReferenceImagePath(order.ID)
		if err := copyFile(spec.ReferenceImage, refCopy); err != nil {
			return fmt.Errorf("copy reference image: %w", err)
		}
		order.ReferencePath = refCopy

		if err := a.store.CreateOrder(cmd.Context(), order); err != nil {
			return err
		}
		fmt.Printf("Created order %s (%d pages, status %s)\n", order.ID, order.PageCount, order.Status)
		return nil
	},
}

var orderPayCmd = &cobra.Command{
	Use:   "pay <order-id>",
	Short: "Mark an order as paid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.SetStatus(cmd.Context(), args[0], store.StatusPaid); err != nil {
			return err
		}
		fmt.Printf("Order %s marked paid\n", args[0])
		return nil
	},
}

var orderListStatus string

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var filter store.Status
		if orderListStatus != "" {
			filter, err = store.ParseStatus(orderListStatus)
			if err != nil {
				return err
			}
		}

		orders, err := a.store.ListOrders(cmd.Context(), filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCUSTOMER\tPAGES\tDONE\tSTATUS\tCREATED")
		for _, o := range orders {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
				o.ID, o.CustomerName, o.PageCount, o.PagesDone, o.TotalSlots(),
				o.Status, o.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var orderShowCmd = &cobra.Command{
	Use:   "show <order-id>",
	Short: "Show an order and its persisted pages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.store.GetOrder(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Order:    %s\n", o.ID)
		fmt.Printf("Customer: %s <%s>\n", o.CustomerName, o.CustomerEmail)
		fmt.Printf("Style:    %s\n", o.Style)
		fmt.Printf("Status:   %s\n", o.Status)
		fmt.Printf("Pages:    %d of %d persisted\n", o.PagesDone, o.TotalSlots())
		if o.ArtifactPath != "" {
			fmt.Printf("Book:     %s\n", o.ArtifactPath)
		}
		if o.FailureReason != "" {
			fmt.Printf("Failure:  %s\n", o.FailureReason)
		}

		pages, err := a.store.Pages(cmd.Context(), o.ID)
		if err != nil {
			return err
		}
		if len(pages) > 0 {
			fmt.Println()
			for _, p := range pages {
				label := fmt.Sprintf("page %d", p.Number)
				if p.IsCover() {
					label = "cover "
				}
				fmt.Printf("  %s  %s\n", label, p.Prompt)
			}
		}
		return nil
	},
}

var orderStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show order counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		for _, st := range []store.Status{store.StatusPending, store.StatusPaid,
			store.StatusGenerating, store.StatusCompleted, store.StatusFailed} {
			fmt.Printf("%-12s %d\n", st, stats[st])
		}
		return nil
	},
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func init() {
	orderListCmd.Flags().StringVar(&orderListStatus, "status", "", "filter by status")
	orderCmd.AddCommand(orderCreateCmd, orderPayCmd, orderListCmd, orderShowCmd, orderStatsCmd)
	rootCmd.AddCommand(orderCmd)
}
