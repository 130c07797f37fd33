package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/harun/toolrun/pkg/builtins"
	"github.com/harun/toolrun/pkg/manager"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect configured tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools in the config",
	RunE:  runToolsList,
}

var toolsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate tool descriptors and print a report",
	Long: `Validate every tool descriptor in the config and print a YAML report
with errors and warnings per tool. The command fails when any tool has errors.`,
	RunE: runToolsValidate,
}

var toolsBuiltinsCmd = &cobra.Command{
	Use:   "builtins",
	Short: "Print descriptors for the builtin tools",
	Long:  `Print YAML descriptors for every builtin, ready to paste into the tools section.`,
	RunE:  runToolsBuiltins,
}

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolsValidateCmd, toolsBuiltinsCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tENABLED\tSTATEFUL\tDESCRIPTION")
	for _, d := range cfg.Tools {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", d.Name, d.Type, d.IsEnabled(), d.Stateful, d.Description)
	}
	return w.Flush()
}

// validationReport is the YAML document printed by tools validate.
type validationReport struct {
	Total   int                        `yaml:"total"`
	Valid   int                        `yaml:"valid"`
	Invalid int                        `yaml:"invalid"`
	Tools   []manager.ValidationResult `yaml:"tools"`
}

func runToolsValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	catalog := tool.NewCatalog()
	if err := builtins.Register(catalog, builtins.Options{
		WorkspaceRoot: cfg.Workspace.Root,
		MaxReadBytes:  cfg.Workspace.MaxReadBytes,
	}); err != nil {
		return err
	}

	results := manager.NewValidator(catalog).ValidateAll(cfg.Tools)
	report := validationReport{Total: len(results), Tools: make([]manager.ValidationResult, 0, len(results))}
	for _, r := range results {
		if r.Valid() {
			report.Valid++
		} else {
			report.Invalid++
		}
		report.Tools = append(report.Tools, r)
	}
	sort.Slice(report.Tools, func(i, j int) bool {
		return report.Tools[i].ToolName < report.Tools[j].ToolName
	})

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if report.Invalid > 0 {
		return fmt.Errorf("%d of %d tools are invalid", report.Invalid, report.Total)
	}
	return nil
}

func runToolsBuiltins(cmd *cobra.Command, args []string) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"tools": builtins.Descriptors()}); err != nil {
		return err
	}
	return enc.Close()
}
