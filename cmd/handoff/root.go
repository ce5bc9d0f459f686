package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	cfgFile string
	v       *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Serve workflows as MCP prompts that hand work back to the caller",
		Long: `handoff exposes multi-step tool workflows as MCP prompts. Steps run
on the server where it can; when a step needs a tool only the caller has,
the workflow pauses as a task and tells the caller what to run. Results
tagged with the task id resume it.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", "", "config file (default: ./handoff.yaml or ~/.handoff/handoff.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("store-driver", "libsql", "task store: memory, libsql, postgres, redis")
	pf.String("store-dsn", "", "task store DSN")
	_ = opts.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = opts.v.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = opts.v.BindPFlag("store.driver", pf.Lookup("store-driver"))
	_ = opts.v.BindPFlag("store.dsn", pf.Lookup("store-dsn"))

	cmd.AddCommand(
		newServeCmd(opts),
		newValidateCmd(),
		newTasksCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() (Config, error) {
	return loadConfig(o.v, o.cfgFile)
}
