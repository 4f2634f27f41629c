// Package output renders command results as a table, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/nodewatch/internal/query"
	"github.com/xtxerr/nodewatch/internal/snapshot"
	"github.com/xtxerr/nodewatch/internal/stats"
)

// Format represents the output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// TimeLayout is used for timestamps in tables.
const TimeLayout = "2006-01-02 15:04:05"

// SupportedFormats returns the accepted format names.
func SupportedFormats() []string {
	return []string{string(FormatTable), string(FormatJSON), string(FormatYAML)}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want one of %s)", s, strings.Join(SupportedFormats(), ", "))
	}
}

// Tabular is implemented by values with their own table layout.
type Tabular interface {
	Header() []string
	Rows() [][]string
}

// Writer writes values in one format.
type Writer struct {
	format Format
	out    io.Writer
}

// NewWriter creates a writer. A nil out writes to stdout.
func NewWriter(format Format, out io.Writer) *Writer {
	if out == nil {
		out = os.Stdout
	}
	if format == "" {
		format = FormatTable
	}
	return &Writer{format: format, out: out}
}

// Format returns the writer's format.
func (w *Writer) Format() Format {
	return w.format
}

// Write renders v.
func (w *Writer) Write(v any) error {
	switch w.format {
	case FormatJSON:
		enc := json.NewEncoder(w.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("serialize to JSON: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("serialize to YAML: %w", err)
		}
		return enc.Close()
	case FormatTable:
		return w.table(TableOf(v))
	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) table(t Tabular) error {
	rows := t.Rows()
	if len(rows) == 0 {
		fmt.Fprintln(w.out, "<empty>")
		return nil
	}

	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Header(), "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// =============================================================================
// Tables
// =============================================================================

// TableOf returns the table layout for v. Unknown types are flattened into
// FIELD/VALUE pairs.
func TableOf(v any) Tabular {
	switch t := v.(type) {
	case Tabular:
		return t
	case []snapshot.NodeSnapshot:
		return snapshotTable(t)
	case snapshot.NodeSnapshot:
		return snapshotTable{t}
	case []query.NodeInfo:
		return nodeTable(t)
	case *query.Result:
		return resultTable{t}
	case stats.ClusterSummary:
		return clusterTable(t)
	case []stats.DailySummary:
		return dailyTable(t)
	default:
		return flatTable(v)
	}
}

type snapshotTable []snapshot.NodeSnapshot

func (snapshotTable) Header() []string {
	return []string{"TIMESTAMP", "NODE", "STATE", "CPU_LOAD", "REAL_MEMORY", "FREE_MEM", "MEM_USED_%"}
}

func (t snapshotTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for i := range t {
		s := &t[i]
		rows = append(rows, []string{
			s.Timestamp.UTC().Format(TimeLayout),
			s.NodeName,
			s.State,
			strconv.FormatFloat(s.CPULoad, 'f', 2, 64),
			strconv.FormatInt(s.TotalMemory, 10),
			strconv.FormatInt(s.FreeMemory, 10),
			strconv.FormatFloat(s.MemoryUsagePercent(), 'f', 1, 64),
		})
	}
	return rows
}

type nodeTable []query.NodeInfo

func (nodeTable) Header() []string {
	return []string{"NODE", "LAST_SEEN", "SAMPLES"}
}

func (t nodeTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, n := range t {
		rows = append(rows, []string{n.Name, n.LastSeen.UTC().Format(TimeLayout), strconv.FormatInt(n.Samples, 10)})
	}
	return rows
}

type resultTable struct{ res *query.Result }

func (t resultTable) Header() []string {
	return t.res.Columns
}

func (t resultTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.res.Rows))
	for _, r := range t.res.Rows {
		row := make([]string, len(r))
		for i, v := range r {
			row[i] = formatValue(v)
		}
		rows = append(rows, row)
	}
	return rows
}

type clusterTable stats.ClusterSummary

func (clusterTable) Header() []string {
	return []string{"FIELD", "VALUE"}
}

func (t clusterTable) Rows() [][]string {
	rows := [][]string{
		{"nodes", strconv.Itoa(t.Nodes)},
		{"mean_cpu_load", strconv.FormatFloat(t.MeanCPULoad, 'f', 2, 64)},
		{"total_memory", strconv.FormatInt(t.TotalMemory, 10)},
		{"used_memory", strconv.FormatInt(t.UsedMemory, 10)},
		{"free_memory", strconv.FormatInt(t.FreeMemory, 10)},
		{"memory_usage_percent", strconv.FormatFloat(t.MemoryUsagePercent, 'f', 1, 64)},
	}
	states := make([]string, 0, len(t.States))
	for s := range t.States {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		rows = append(rows, []string{"state." + s, strconv.Itoa(t.States[s])})
	}
	return rows
}

type dailyTable []stats.DailySummary

func (dailyTable) Header() []string {
	return []string{"DAY", "SAMPLES", "MEAN_CPU_LOAD", "MAX_CPU_LOAD"}
}

func (t dailyTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, d := range t {
		rows = append(rows, []string{
			d.Day.Format("2006-01-02"),
			strconv.FormatInt(d.Samples, 10),
			strconv.FormatFloat(d.MeanCPULoad, 'f', 2, 64),
			strconv.FormatFloat(d.MaxCPULoad, 'f', 2, 64),
		})
	}
	return rows
}

type fieldTable [][]string

func (fieldTable) Header() []string {
	return []string{"FIELD", "VALUE"}
}

func (t fieldTable) Rows() [][]string {
	return t
}

// flatTable flattens v through its JSON form into sorted FIELD/VALUE rows.
func flatTable(v any) Tabular {
	data, err := json.Marshal(v)
	if err != nil {
		return fieldTable{{"error", err.Error()}}
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fieldTable{{"error", err.Error()}}
	}

	flat := map[string]string{}
	flatten(flat, generic, "")

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make(fieldTable, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, flat[k]})
	}
	return rows
}

func flatten(out map[string]string, v any, prefix string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flatten(out, child, join(k))
		}
	case []any:
		for i, child := range t {
			flatten(out, child, join(strconv.Itoa(i)))
		}
	default:
		if prefix == "" {
			prefix = "value"
		}
		out[prefix] = formatValue(t)
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(TimeLayout)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
