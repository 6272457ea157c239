package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/teacherly/plansync/internal/config"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/ui"
)

var daybookCmd = &cobra.Command{
	Use:     "daybook",
	GroupID: "core",
	Short:   "Record daybook entries",
}

var daybookNewCmd = &cobra.Command{
	Use:   "new [notes...]",
	Short: "Draft a new daybook entry",
	Long: `Write a daybook entry draft into the drafts directory. The running
daemon picks it up, queues it, and syncs it to the server.

The --date flag accepts natural language:

  plansync daybook new --date yesterday "Fraction stations ran long"
  plansync daybook new --date "last friday" --template daily-reflection

With --template the entry starts from a TOML template in the templates
directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		dateSpec, _ := cmd.Flags().GetString("date")
		templateName, _ := cmd.Flags().GetString("template")

		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		date := time.Now()
		if dateSpec != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			r, err := w.Parse(dateSpec, time.Now())
			if err != nil || r == nil {
				fmt.Fprintf(os.Stderr, "Error: could not understand date %q\n", dateSpec)
				os.Exit(1)
			}
			date = r.Time
		}

		payload, err := buildDaybookPayload(cfg, templateName, date, strings.Join(args, " "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		path, err := entity.WriteDraftFile(cfg.Data.DraftsDir, payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to write draft: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Daybook entry for %s drafted\n", ui.RenderPass("✓"), date.Format("Mon Jan 2"))
		fmt.Printf("  %s\n", ui.RenderDim(path))
	},
}

func buildDaybookPayload(cfg *config.Config, templateName string, date time.Time, notes string) (entity.ChangePayload, error) {
	overrides := map[string]any{
		"date": date.Format(time.RFC3339),
	}
	if notes != "" {
		overrides["notes"] = notes
	}

	if templateName != "" {
		templates, err := config.LoadTemplates(cfg.TemplatesDir())
		if err != nil {
			return entity.ChangePayload{}, err
		}
		tpl, ok := templates[templateName]
		if !ok {
			return entity.ChangePayload{}, fmt.Errorf("template %q not found in %s", templateName, cfg.TemplatesDir())
		}
		if tpl.Type != string(entity.TypeDaybookEntry) {
			return entity.ChangePayload{}, fmt.Errorf("template %q is for %s, not daybook entries", templateName, tpl.Type)
		}
		return tpl.Payload(overrides)
	}

	data, err := json.Marshal(overrides)
	if err != nil {
		return entity.ChangePayload{}, err
	}
	return entity.ChangePayload{Type: entity.TypeDaybookEntry, Data: data}, nil
}

var daybookTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available entry templates",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		templates, err := config.LoadTemplates(cfg.TemplatesDir())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if len(templates) == 0 {
			fmt.Printf("No templates in %s\n", cfg.TemplatesDir())
			return
		}

		fmt.Println(ui.RenderHeader("Templates"))
		for name, tpl := range templates {
			fmt.Printf("  %-25s %s\n", name, ui.RenderDim(tpl.Type))
		}
	},
}

func init() {
	daybookNewCmd.Flags().String("date", "", "entry date, natural language allowed (default today)")
	daybookNewCmd.Flags().String("template", "", "start from a named template")
	daybookCmd.AddCommand(daybookNewCmd)
	daybookCmd.AddCommand(daybookTemplatesCmd)
	rootCmd.AddCommand(daybookCmd)
}
