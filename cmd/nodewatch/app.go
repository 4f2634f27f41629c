package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/xtxerr/nodewatch/internal/controller"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/loader"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/output"
	"github.com/xtxerr/nodewatch/internal/query"
	"github.com/xtxerr/nodewatch/internal/transport"
)

const defaultConfigPath = "nodewatch.yaml"

const (
	flagConfig   = "config"
	flagOutput   = "output"
	flagStore    = "store"
	flagLogLevel = "log-level"
)

// readPassword prompts on the terminal. Replaced in tests.
var readPassword = func(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "nodewatch",
		Usage:                 "Cluster node telemetry history",
		Version:               Version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "config file",
				Value:   defaultConfigPath,
				Sources: cli.EnvVars("NODEWATCH_CONFIG"),
			},
			&cli.StringFlag{
				Name:    flagOutput,
				Aliases: []string{"o"},
				Usage:   "output format: " + strings.Join(output.SupportedFormats(), ", "),
				Value:   string(output.FormatTable),
			},
			&cli.StringFlag{
				Name:  flagStore,
				Usage: "historical store path (overrides config)",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log level: debug, info, warn, error (overrides config)",
			},
		},
		Commands: []*cli.Command{
			refreshCmd(),
			currentCmd(),
			historyCmd(),
			nodesCmd(),
			summaryCmd(),
			dailyCmd(),
			sqlCmd(),
			shellCmd(),
			checkCredentialsCmd(),
			configCmd(),
		},
	}
}

// =============================================================================
// Environment
// =============================================================================

// env is what a subcommand runs against.
type env struct {
	cfg    *loader.Config
	ctrl   *controller.Controller
	w      io.Writer
	errW   io.Writer
	format output.Format
	out    *output.Writer
}

// loadConfig loads the config file with flag overrides applied. A missing
// default config file means defaults; a missing explicit one is an error.
func loadConfig(cmd *cli.Command) (*loader.Config, error) {
	cfg, err := loader.Load(cmd.String(flagConfig))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.IsSet(flagConfig) {
			return nil, err
		}
		cfg = loader.DefaultConfig()
		cfg.ApplyEnv()
	}

	if v := cmd.String(flagStore); v != "" {
		cfg.Store.Path = v
	}
	if v := cmd.String(flagLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, nil
}

func setup(cmd *cli.Command) (*env, error) {
	format, err := output.ParseFormat(cmd.String(flagOutput))
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logging.InitWriter(cmd.Root().ErrWriter, level, cfg.Logging.JSON)

	if cfg.Cluster.Transport == "ssh" && cfg.Credentials.Password == "" {
		pw, err := readPassword(fmt.Sprintf("Password for %s@%s: ", cfg.Credentials.Username, cfg.Cluster.Host))
		if err != nil {
			return nil, err
		}
		cfg.Credentials.Password = pw
	}

	tr, err := loader.NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	store, err := loader.NewStore(cfg)
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(tr, store, transport.NewSession(loader.ToCredentials(&cfg.Credentials)))
	if err != nil {
		return nil, err
	}

	w := cmd.Root().Writer
	return &env{
		cfg:    cfg,
		ctrl:   ctrl,
		w:      w,
		errW:   cmd.Root().ErrWriter,
		format: format,
		out:    output.NewWriter(format, w),
	}, nil
}

// queryService opens DuckDB over the store file. The caller closes it.
func (e *env) queryService() (*query.Service, error) {
	return loader.NewQueryService(e.cfg, e.ctrl.Store())
}

// withEnv adapts a function over env to a cli action.
func withEnv(fn func(ctx context.Context, cmd *cli.Command, e *env) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, e)
	}
}
