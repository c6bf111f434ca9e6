package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/rules"
)

var planCmd = &cobra.Command{
	Use:   "plan [rules-file]",
	Short: "Compile a rules file and show the resulting jobs",
	Long: `Compile every rule of a rules file the way the daemon does and show the
job each rule turns into: its tasks and the number of checks it will run.
Rule errors such as invalid ranges, ports or undefined macros are listed
below. Nothing is probed.`,
	Example: `  discoverer plan
  discoverer plan /etc/discoverer/rules.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		path := cfg.Discovery.RulesFile
		if len(args) == 1 {
			path = args[0]
		}

		if !verbose {
			quiet := cfg.Logging
			quiet.Level = logging.LevelWarn
			setupLogging(quiet)
		}

		file, err := rules.Load(path)
		if err != nil {
			return err
		}
		return showPlan(cmd.OutOrStdout(), file, cfg.Macros)
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func showPlan(w io.Writer, file *rules.File, macros map[string]string) error {
	compiler := discovery.NewCompiler(file.Resolver(macros))
	batch := compiler.Compile(file.DiscoveryRules())

	table := tablewriter.NewWriter(w)
	table.Header("Rule", "Name", "Ranges", "Checks", "Tasks", "Units", "Concurrency")
	var units uint64
	for _, job := range batch.Jobs {
		concurrency := "unlimited"
		if job.Concurrency > 0 {
			concurrency = strconv.Itoa(job.Concurrency)
		}
		_ = table.Append([]string{
			strconv.FormatUint(job.RuleID, 10),
			job.RuleName,
			strconv.Itoa(len(job.Ranges)),
			strconv.Itoa(len(job.Checks)),
			strconv.Itoa(job.TaskCount()),
			strconv.FormatUint(job.Remaining(), 10),
			concurrency,
		})
		units += job.Remaining()
	}
	_ = table.Render()

	fmt.Fprintf(w, "Jobs: %d, units: %d\n", len(batch.Jobs), units)

	if batch.Errors.Len() == 0 {
		return nil
	}

	fmt.Fprintln(w)
	errTable := tablewriter.NewWriter(w)
	errTable.Header("Rule", "Error")
	for _, id := range batch.Errors.Rules() {
		for _, msg := range batch.Errors.Messages(id) {
			_ = errTable.Append([]string{strconv.FormatUint(id, 10), msg})
		}
	}
	_ = errTable.Render()

	return fmt.Errorf("%d rules have errors", len(batch.Errors.Rules()))
}
