// Package snapshot defines the node telemetry record that flows from the
// parser through the controller into the historical store.
package snapshot

import (
	"sort"
	"time"
)

// StateUnknown is the state of a node whose block carried no State key.
const StateUnknown = "UNKNOWN"

// Precision is the timestamp resolution kept by the historical store.
// Timestamps are truncated to it before deduplication so that a record
// reloaded from disk keeps the same key it was written with.
const Precision = time.Microsecond

// NodeSnapshot is one observation of one node at one instant.
//
// Every field has a determinate value: a parsed block that lacks a field
// carries the documented default instead.
type NodeSnapshot struct {
	// NodeName is empty when the source block had no NodeName key.
	NodeName string `json:"node_name" yaml:"node_name"`

	// Timestamp is shared by every snapshot produced by one parse call.
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// CPULoad is a percentage, 0.0 when absent.
	CPULoad float64 `json:"cpu_load" yaml:"cpu_load"`

	// TotalMemory is RealMemory in source units, 0 when absent.
	TotalMemory int64 `json:"total_memory" yaml:"total_memory"`

	// FreeMemory is FreeMem in source units, 0 when absent or N/A.
	FreeMemory int64 `json:"free_memory" yaml:"free_memory"`

	// State is the allocation/health token, StateUnknown when absent.
	State string `json:"state" yaml:"state"`
}

// New returns a snapshot at ts with every field at its default.
func New(ts time.Time) NodeSnapshot {
	return NodeSnapshot{
		Timestamp: ts,
		State:     StateUnknown,
	}
}

// Key identifies a snapshot in the historical store.
type Key struct {
	NodeName  string
	Timestamp int64 // Unix microseconds
}

// Key returns the deduplication key of s.
func (s NodeSnapshot) Key() Key {
	return Key{NodeName: s.NodeName, Timestamp: s.Timestamp.UnixMicro()}
}

// Identified reports whether the snapshot names a node.
func (s NodeSnapshot) Identified() bool {
	return s.NodeName != ""
}

// UsedMemory returns TotalMemory minus FreeMemory, floored at zero.
func (s NodeSnapshot) UsedMemory() int64 {
	used := s.TotalMemory - s.FreeMemory
	if used < 0 {
		return 0
	}
	return used
}

// MemoryUsagePercent returns used memory as a percentage of TotalMemory,
// or 0 when TotalMemory is unknown.
func (s NodeSnapshot) MemoryUsagePercent() float64 {
	if s.TotalMemory <= 0 {
		return 0
	}
	return float64(s.UsedMemory()) / float64(s.TotalMemory) * 100
}

// Normalize returns s with its timestamp in UTC at store precision.
func (s NodeSnapshot) Normalize() NodeSnapshot {
	s.Timestamp = s.Timestamp.UTC().Truncate(Precision)
	return s
}

// Find returns the first snapshot in batch named node. Unnamed snapshots
// are never found, not even by an empty name.
func Find(batch []NodeSnapshot, node string) (NodeSnapshot, bool) {
	if node == "" {
		return NodeSnapshot{}, false
	}
	for i := range batch {
		if batch[i].NodeName == node {
			return batch[i], true
		}
	}
	return NodeSnapshot{}, false
}

// Filter returns the snapshots in batch named node, preserving order.
// An empty name matches nothing.
func Filter(batch []NodeSnapshot, node string) []NodeSnapshot {
	out := make([]NodeSnapshot, 0)
	if node == "" {
		return out
	}
	for i := range batch {
		if batch[i].NodeName == node {
			out = append(out, batch[i])
		}
	}
	return out
}

// SortByTime sorts batch ascending by timestamp. The sort is stable so
// snapshots with equal timestamps keep their relative order.
func SortByTime(batch []NodeSnapshot) {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})
}

// Names returns the distinct identified node names in batch in first-seen order.
func Names(batch []NodeSnapshot) []string {
	seen := make(map[string]struct{}, len(batch))
	var names []string
	for i := range batch {
		name := batch[i].NodeName
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
