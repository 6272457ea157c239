package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/planstore"
	"github.com/teacherly/plansync/internal/ui"
)

var plansCmd = &cobra.Command{
	Use:     "plans",
	GroupID: "core",
	Short:   "Browse cached planning data",
}

func newPlanSet(a *app) *planstore.Set {
	set, err := planstore.NewSet(a.client, a.cache, a.queue, a.store, a.monitor, nil, a.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return set
}

var plansListCmd = &cobra.Command{
	Use:   "list <entity-type>",
	Short: "List entities of one type",
	Long: `List entities, from the server when reachable and from the local
cache otherwise:

  plansync plans list unit-plan
  plansync plans list daybook-entry`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t := entity.Type(args[0])
		if !t.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown entity type %q\n", args[0])
			os.Exit(1)
		}

		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		a.probeConnectivity(ctx)

		store, err := newPlanSet(a).For(t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		list, err := store.Load(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var items []json.RawMessage
		if err := json.Unmarshal(list, &items); err != nil {
			fmt.Fprintf(os.Stderr, "Error: malformed list: %v\n", err)
			os.Exit(1)
		}

		if !a.monitor.Online() {
			fmt.Printf("%s Offline, showing cached data\n", ui.RenderWarn("⚠"))
		}
		if len(items) == 0 {
			fmt.Printf("No %s entities\n", t)
			return
		}
		for _, item := range items {
			env, err := entity.ParseEnvelope(item)
			if err != nil {
				continue
			}
			fmt.Printf("  %-24s updated %s\n", env.ID, env.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
	},
}

var plansShowCmd = &cobra.Command{
	Use:   "show <entity-type> <id>",
	Short: "Show one entity as JSON",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		t := entity.Type(args[0])
		if !t.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown entity type %q\n", args[0])
			os.Exit(1)
		}

		a := mustApp()
		defer a.Close()

		ctx := context.Background()
		a.probeConnectivity(ctx)

		store, err := newPlanSet(a).For(t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		doc, err := store.Get(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(indentJSON(doc))
	},
}

func init() {
	plansCmd.AddCommand(plansListCmd)
	plansCmd.AddCommand(plansShowCmd)
	rootCmd.AddCommand(plansCmd)
}
