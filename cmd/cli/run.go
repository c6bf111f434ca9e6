package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/discoverer/internal/daemon"
	"github.com/anstrom/discoverer/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the discovery daemon",
	Long: `Run the discovery daemon in the foreground. The rules file is loaded at
startup and again on SIGHUP or POST /api/v1/rules/reload; SIGUSR1 logs the
daemon status. SIGINT and SIGTERM stop the daemon gracefully.`,
	Example: `  discoverer run
  discoverer run --rules /etc/discoverer/rules.yaml --workers 50
  DISCOVERER_API_PORT=9090 discoverer run`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("rules", "", "rules file (overrides discovery.rules_file)")
	runCmd.Flags().Int("workers", 0, "number of discovery workers (overrides discovery.workers)")
	runCmd.Flags().String("listen", "", "API listen address (overrides api.listen_addr)")
	runCmd.Flags().Int("port", 0, "API port (overrides api.port)")
	runCmd.Flags().Bool("no-api", false, "disable the API server")

	bindFlag(runCmd, "discovery.rules_file", "rules")
	bindFlag(runCmd, "discovery.workers", "workers")
	bindFlag(runCmd, "api.listen_addr", "listen")
	bindFlag(runCmd, "api.port", "port")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if noAPI, _ := cmd.Flags().GetBool("no-api"); noAPI {
		cfg.API.Enabled = false
	}

	setupLogging(cfg.Logging)

	d, err := daemon.New(cfg, daemon.WithVersion(version))
	if err != nil {
		return err
	}

	if err := d.Run(cmd.Context()); err != nil {
		logging.ErrorDaemon("Daemon stopped with error", err)
		return err
	}
	return nil
}
