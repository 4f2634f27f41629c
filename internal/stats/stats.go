package stats

import (
	"sort"
	"time"

	"github.com/xtxerr/nodewatch/internal/snapshot"
)

// ClusterSummary describes one batch across all identified nodes.
type ClusterSummary struct {
	Nodes              int            `json:"nodes" yaml:"nodes"`
	MeanCPULoad        float64        `json:"mean_cpu_load" yaml:"mean_cpu_load"`
	TotalMemory        int64          `json:"total_memory" yaml:"total_memory"`
	UsedMemory         int64          `json:"used_memory" yaml:"used_memory"`
	FreeMemory         int64          `json:"free_memory" yaml:"free_memory"`
	MemoryUsagePercent float64        `json:"memory_usage_percent" yaml:"memory_usage_percent"`
	States             map[string]int `json:"states" yaml:"states"`
}

// Cluster summarises a batch. Snapshots without a node name are skipped.
func Cluster(batch []snapshot.NodeSnapshot) ClusterSummary {
	out := ClusterSummary{States: map[string]int{}}

	var cpu float64
	for i := range batch {
		s := &batch[i]
		if !s.Identified() {
			continue
		}
		out.Nodes++
		cpu += s.CPULoad
		out.TotalMemory += s.TotalMemory
		out.FreeMemory += s.FreeMemory
		out.UsedMemory += s.UsedMemory()
		out.States[s.State]++
	}

	if out.Nodes > 0 {
		out.MeanCPULoad = cpu / float64(out.Nodes)
	}
	if out.TotalMemory > 0 {
		out.MemoryUsagePercent = float64(out.UsedMemory) / float64(out.TotalMemory) * 100
	}

	return out
}

// NodeSummary describes the history of one node.
type NodeSummary struct {
	Node        string         `json:"node" yaml:"node"`
	Samples     int            `json:"samples" yaml:"samples"`
	CPULoad     Summary        `json:"cpu_load" yaml:"cpu_load"`
	MemoryUsage Summary        `json:"memory_usage_percent" yaml:"memory_usage_percent"`
	States      map[string]int `json:"states" yaml:"states"`
	LastState   string         `json:"last_state" yaml:"last_state"`
}

// Node summarises the snapshots of node in history. accuracy is the
// relative accuracy of the percentile sketches.
func Node(history []snapshot.NodeSnapshot, node string, accuracy float64) NodeSummary {
	out := NodeSummary{Node: node, States: map[string]int{}}

	cpu := NewAggregate(accuracy)
	mem := NewAggregate(accuracy)
	var last time.Time

	for i := range history {
		s := &history[i]
		if s.NodeName != node {
			continue
		}
		out.Samples++
		cpu.Add(s.CPULoad, s.Timestamp)
		mem.Add(s.MemoryUsagePercent(), s.Timestamp)
		out.States[s.State]++
		if !s.Timestamp.Before(last) {
			last = s.Timestamp
			out.LastState = s.State
		}
	}

	out.CPULoad = cpu.Result()
	out.MemoryUsage = mem.Result()
	return out
}

// DailySummary is the CPU load of one node over one calendar day.
type DailySummary struct {
	Day         time.Time `json:"day" yaml:"day"`
	Samples     int64     `json:"samples" yaml:"samples"`
	MeanCPULoad float64   `json:"mean_cpu_load" yaml:"mean_cpu_load"`
	MaxCPULoad  float64   `json:"max_cpu_load" yaml:"max_cpu_load"`
}

// Daily buckets the CPU load of node by calendar day in loc, ascending.
// A nil loc means UTC.
func Daily(history []snapshot.NodeSnapshot, node string, loc *time.Location) []DailySummary {
	if loc == nil {
		loc = time.UTC
	}

	days := map[time.Time]*Aggregate{}
	for i := range history {
		s := &history[i]
		if s.NodeName != node {
			continue
		}
		t := s.Timestamp.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

		agg, ok := days[day]
		if !ok {
			agg = NewAggregate(0)
			days[day] = agg
		}
		agg.Add(s.CPULoad, s.Timestamp)
	}

	out := make([]DailySummary, 0, len(days))
	for day, agg := range days {
		r := agg.Result()
		out = append(out, DailySummary{
			Day:         day,
			Samples:     r.Count,
			MeanCPULoad: r.Mean,
			MaxCPULoad:  r.Max,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })

	return out
}
