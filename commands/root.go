package commands

import (
	"github.com/spf13/cobra"

	"github.com/dshills/contentflow/config"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the contentflow CLI.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "contentflow",
		Short: "AI content-creation task orchestrator",
		Long: `Contentflow turns a topic and requirements into a reviewed article
with illustrations, through a checkpointed workflow of research, writing,
quality gates, and image generation.

Tasks run synchronously in the caller's process or asynchronously through
a queue and worker pool.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newCreateCmd(flags),
		newStatusCmd(flags),
		newResultCmd(flags),
		newCancelCmd(flags),
		newServeCmd(flags),
		newWorkerCmd(flags),
	)
	return cmd
}

func (f *rootFlags) load() (*config.Config, error) {
	return config.Load(f.configPath)
}
