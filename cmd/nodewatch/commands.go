package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/nodewatch/config"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/loader"
	"github.com/xtxerr/nodewatch/internal/shell"
	"github.com/xtxerr/nodewatch/internal/stats"
	"github.com/xtxerr/nodewatch/internal/validation"
)

func refreshCmd() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Fetch the cluster state and merge it into the history",
		Action: withEnv(func(ctx context.Context, _ *cli.Command, e *env) error {
			current, historical, err := e.ctrl.Refresh(ctx)
			if err != nil && !errors.IsStoreError(err) {
				return err
			}
			if err != nil {
				// The fetch succeeded; show it even though it was not persisted.
				fmt.Fprintf(e.errW, "fetched %d nodes, history not saved\n", len(current))
			} else {
				fmt.Fprintf(e.errW, "fetched %d nodes, %d snapshots in history\n", len(current), len(historical))
			}
			if werr := e.out.Write(current); werr != nil {
				return werr
			}
			return err
		}),
	}
}

func currentCmd() *cli.Command {
	return &cli.Command{
		Name:      "current",
		Usage:     "Show the live state of a node",
		ArgsUsage: "<node>",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			node, err := nodeArg(cmd)
			if err != nil {
				return err
			}
			snap, err := e.ctrl.CurrentStateFor(ctx, node)
			if err != nil {
				return err
			}
			return e.out.Write(snap)
		}),
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the stored history of a node",
		ArgsUsage: "<node>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "since",
				Usage: "only snapshots newer than this (e.g. 24h)",
			},
		},
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			node, err := nodeArg(cmd)
			if err != nil {
				return err
			}

			since := cmd.Duration("since")
			if since <= 0 {
				return e.out.Write(e.ctrl.HistoryFor(node))
			}

			q, err := e.queryService()
			if err != nil {
				return err
			}
			defer q.Close()

			now := time.Now()
			records, err := q.Window(ctx, node, now.Add(-since), now)
			if err != nil {
				return err
			}
			return e.out.Write(records)
		}),
	}
}

func nodesCmd() *cli.Command {
	return &cli.Command{
		Name:  "nodes",
		Usage: "List the nodes in the history",
		Action: withEnv(func(ctx context.Context, _ *cli.Command, e *env) error {
			q, err := e.queryService()
			if err != nil {
				return err
			}
			defer q.Close()

			nodes, err := q.Nodes(ctx)
			if err != nil {
				return err
			}
			return e.out.Write(nodes)
		}),
	}
}

func summaryCmd() *cli.Command {
	return &cli.Command{
		Name:      "summary",
		Usage:     "Summarize the live cluster, or the history of one node",
		ArgsUsage: "[node]",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			if node := cmd.Args().First(); node != "" {
				if err := validation.ValidateNodeName(node); err != nil {
					return err
				}
				return e.out.Write(stats.Node(e.ctrl.HistoryFor(node), node, config.DefaultSketchAccuracy))
			}
			current, err := e.ctrl.FetchCurrent(ctx)
			if err != nil {
				return err
			}
			return e.out.Write(stats.Cluster(current))
		}),
	}
}

func dailyCmd() *cli.Command {
	return &cli.Command{
		Name:      "daily",
		Usage:     "Show daily CPU load of a node",
		ArgsUsage: "<node>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tz",
				Usage: "IANA time zone for day boundaries",
				Value: "UTC",
			},
		},
		Action: withEnv(func(_ context.Context, cmd *cli.Command, e *env) error {
			node, err := nodeArg(cmd)
			if err != nil {
				return err
			}
			loc, err := time.LoadLocation(cmd.String("tz"))
			if err != nil {
				return fmt.Errorf("time zone: %w", err)
			}
			return e.out.Write(stats.Daily(e.ctrl.HistoryFor(node), node, loc))
		}),
	}
}

func sqlCmd() *cli.Command {
	return &cli.Command{
		Name:      "sql",
		Usage:     "Run a SQL query against the snapshots view",
		ArgsUsage: "<statement>",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			stmt := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if stmt == "" {
				return fmt.Errorf("usage: sql <statement>")
			}

			q, err := e.queryService()
			if err != nil {
				return err
			}
			defer q.Close()

			res, err := q.SQL(ctx, stmt)
			if err != nil {
				return err
			}
			return e.out.Write(res)
		}),
	}
}

func shellCmd() *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "Interactive shell",
		Action: withEnv(func(ctx context.Context, _ *cli.Command, e *env) error {
			q, err := e.queryService()
			if err != nil {
				return err
			}
			defer q.Close()

			shell.New(e.ctrl, q, e.w, e.format).Run(ctx)
			return nil
		}),
	}
}

func checkCredentialsCmd() *cli.Command {
	return &cli.Command{
		Name:  "check-credentials",
		Usage: "Check that the configured login is accepted by the cluster",
		Action: withEnv(func(ctx context.Context, _ *cli.Command, e *env) error {
			user := e.cfg.Credentials.Username
			if !e.ctrl.ValidateCredentials(ctx, user, e.cfg.Credentials.Password) {
				return fmt.Errorf("credentials for %q rejected: %w", user, errors.ErrAuthFailed)
			}
			fmt.Fprintf(e.w, "credentials for %q accepted\n", user)
			return nil
		}),
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Credentials.Password != "" {
				cfg.Credentials.Password = "<redacted>"
			}

			enc := yaml.NewEncoder(cmd.Root().Writer)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}
			if err := loader.Validate(cfg); err != nil {
				fmt.Fprintf(cmd.Root().ErrWriter, "# configuration is not usable: %v\n", err)
			}
			return nil
		},
	}
}

func nodeArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("usage: %s %s", cmd.Name, cmd.ArgsUsage)
	}
	node := cmd.Args().First()
	return node, validation.ValidateNodeName(node)
}
