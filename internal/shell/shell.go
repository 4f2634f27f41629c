// Package shell is an interactive prompt over the controller and the
// query service.
package shell

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/nodewatch/config"
	"github.com/xtxerr/nodewatch/internal/controller"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/output"
	"github.com/xtxerr/nodewatch/internal/query"
	"github.com/xtxerr/nodewatch/internal/snapshot"
	"github.com/xtxerr/nodewatch/internal/stats"
	"github.com/xtxerr/nodewatch/internal/validation"
)

var log = logging.Component("shell")

// ErrExit is returned by Execute for exit and quit.
var ErrExit = errors.New("exit")

type command struct {
	name  string
	args  string
	help  string
	nodes bool // completes node names
}

var commands = []command{
	{name: "refresh", help: "fetch the cluster and merge into history"},
	{name: "current", args: "<node>", help: "live state of a node", nodes: true},
	{name: "history", args: "<node>", help: "stored history of a node", nodes: true},
	{name: "nodes", help: "nodes in the store"},
	{name: "summary", args: "[node]", help: "cluster summary, or statistics for one node", nodes: true},
	{name: "daily", args: "<node>", help: "daily CPU load of a node", nodes: true},
	{name: "sql", args: "<statement>", help: "run SQL against the snapshots view"},
	{name: "format", args: "<table|json|yaml>", help: "change the output format"},
	{name: "help", help: "show commands"},
	{name: "exit", help: "leave the shell"},
}

// Shell executes commands typed at the prompt.
type Shell struct {
	ctrl  *controller.Controller
	query *query.Service
	w     io.Writer
	out   *output.Writer

	mu    sync.Mutex
	nodes []string // names seen so far, for completion
}

// New creates a shell writing to w. q may be nil, in which case nodes is
// answered from the store directly and sql is unavailable.
func New(ctrl *controller.Controller, q *query.Service, w io.Writer, format output.Format) *Shell {
	return &Shell{
		ctrl:  ctrl,
		query: q,
		w:     w,
		out:   output.NewWriter(format, w),
	}
}

// Run reads commands until exit, quit or end of input.
func (s *Shell) Run(ctx context.Context) {
	fmt.Fprintf(s.w, "nodewatch shell (session %s). Type help for commands.\n", s.ctrl.Session().ID)

	p := prompt.New(
		func(line string) {
			if err := s.Execute(ctx, line); err != nil && !errors.Is(err, ErrExit) {
				fmt.Fprintf(s.w, "error: %v\n", err)
			}
		},
		s.Complete,
		prompt.OptionPrefix("nodewatch> "),
		prompt.OptionTitle("nodewatch"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			word := strings.TrimSpace(in)
			return breakline && (word == "exit" || word == "quit")
		}),
	)
	p.Run()
}

// Execute runs one command line.
func (s *Shell) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit":
		return ErrExit

	case "help":
		for _, c := range commands {
			fmt.Fprintf(s.w, "  %-8s %-20s %s\n", c.name, c.args, c.help)
		}
		return nil

	case "refresh":
		current, historical, err := s.ctrl.Refresh(ctx)
		if current != nil {
			s.remember(current)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.w, "fetched %d nodes, %d snapshots in history\n", len(current), len(historical))
		return s.out.Write(current)

	case "current":
		node, err := nodeArg(cmd, args)
		if err != nil {
			return err
		}
		snap, err := s.ctrl.CurrentStateFor(ctx, node)
		if errors.Is(err, errors.ErrNoSnapshot) {
			fmt.Fprintf(s.w, "no current state for %s\n", node)
			return nil
		}
		if err != nil {
			return err
		}
		return s.out.Write(snap)

	case "history":
		node, err := nodeArg(cmd, args)
		if err != nil {
			return err
		}
		return s.out.Write(s.ctrl.HistoryFor(node))

	case "nodes":
		return s.listNodes(ctx)

	case "summary":
		if len(args) == 0 {
			current, err := s.ctrl.FetchCurrent(ctx)
			if err != nil {
				return err
			}
			s.remember(current)
			return s.out.Write(stats.Cluster(current))
		}
		node, err := nodeArg(cmd, args)
		if err != nil {
			return err
		}
		return s.out.Write(stats.Node(s.ctrl.HistoryFor(node), node, config.DefaultSketchAccuracy))

	case "daily":
		node, err := nodeArg(cmd, args)
		if err != nil {
			return err
		}
		return s.out.Write(stats.Daily(s.ctrl.HistoryFor(node), node, nil))

	case "sql":
		if s.query == nil {
			return fmt.Errorf("sql: query service not available")
		}
		stmt := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "sql"))
		if stmt == "" {
			return fmt.Errorf("usage: sql <statement>")
		}
		res, err := s.query.SQL(ctx, stmt)
		if err != nil {
			return err
		}
		return s.out.Write(res)

	case "format":
		arg, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		f, err := output.ParseFormat(arg)
		if err != nil {
			return err
		}
		s.out = output.NewWriter(f, s.w)
		return nil

	default:
		return fmt.Errorf("unknown command %q (type help)", cmd)
	}
}

func (s *Shell) listNodes(ctx context.Context) error {
	if s.query != nil {
		nodes, err := s.query.Nodes(ctx)
		if err != nil {
			return err
		}
		names := make([]string, len(nodes))
		for i, n := range nodes {
			names[i] = n.Name
		}
		s.rememberNames(names)
		return s.out.Write(nodes)
	}

	records, err := s.ctrl.Store().Load()
	if err != nil {
		return err
	}
	names := snapshot.Names(records)
	sort.Strings(names)
	s.rememberNames(names)
	return s.out.Write(names)
}

// Complete suggests commands, then node names for commands that take one.
func (s *Shell) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(before)

	// Still typing the command itself.
	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		suggests := make([]prompt.Suggest, 0, len(commands))
		for _, c := range commands {
			suggests = append(suggests, prompt.Suggest{Text: c.name, Description: c.help})
		}
		return prompt.FilterHasPrefix(suggests, word, true)
	}

	for _, c := range commands {
		if c.name == fields[0] && c.nodes {
			s.mu.Lock()
			suggests := make([]prompt.Suggest, 0, len(s.nodes))
			for _, n := range s.nodes {
				suggests = append(suggests, prompt.Suggest{Text: n})
			}
			s.mu.Unlock()
			return prompt.FilterHasPrefix(suggests, word, true)
		}
	}
	return nil
}

func (s *Shell) remember(batch []snapshot.NodeSnapshot) {
	s.rememberNames(snapshot.Names(batch))
}

func (s *Shell) rememberNames(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.nodes))
	for _, n := range s.nodes {
		seen[n] = struct{}{}
	}
	for _, n := range names {
		if _, ok := seen[n]; !ok {
			s.nodes = append(s.nodes, n)
			seen[n] = struct{}{}
		}
	}
	sort.Strings(s.nodes)
	log.Debug("completion names updated", "count", len(s.nodes))
}

func nodeArg(cmd string, args []string) (string, error) {
	node, err := oneArg(cmd, args)
	if err != nil {
		return "", err
	}
	return node, validation.ValidateNodeName(node)
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		for _, c := range commands {
			if c.name == cmd {
				return "", fmt.Errorf("usage: %s %s", c.name, c.args)
			}
		}
		return "", fmt.Errorf("usage: %s <arg>", cmd)
	}
	return args[0], nil
}
