package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/riskflow/internal/logging"
)

// cli carries the state shared by every command.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper()}

	root := &cobra.Command{
		Use:           "riskflow",
		Short:         "Run commands, scripts and workflows behind a risk policy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(c.logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (default ./config.yaml or ~/.riskflow/config.yaml)")
	pf.String("db", "", "database path")
	pf.String("driver", "", "database driver: libsql or sqlite")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.Bool("safe", true, "safe mode: confirm network access, block destructive commands")
	pf.Bool("unattended", false, "never ask for confirmation")
	_ = c.v.BindPFlag("db.path", pf.Lookup("db"))
	_ = c.v.BindPFlag("db.driver", pf.Lookup("driver"))
	_ = c.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("policy.safe", pf.Lookup("safe"))
	_ = c.v.BindPFlag("policy.unattended", pf.Lookup("unattended"))

	root.AddCommand(
		newClassifyCmd(c),
		newPlanCmd(c),
		newWorkflowCmd(c),
		newTriggerCmd(c),
		newRunsCmd(c),
		newScheduleCmd(c),
		newServeCmd(c),
		newVersionCmd(),
	)
	return root
}

// withApp wires the engine for the duration of fn.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, c.cfg, c.logger, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			c.logger.Warn("close failed", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// errRunFailed is returned by commands whose run finished unsuccessfully,
// so the process exits non-zero after the result has been printed.
var errRunFailed = fmt.Errorf("run failed")
