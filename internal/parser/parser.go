// Package parser turns the text printed by `scontrol show node` into node
// snapshots.
//
// The payload is split into blocks on blank lines, one block per node.
// Each line of a block is split on whitespace and every KEY=VALUE token
// with a recognized key is applied to the block's snapshot in order.
//
// Later tokens overwrite earlier ones: when a key repeats inside a block
// the last well-formed occurrence wins. This is deliberate and must not be
// changed to first-match.
//
// A value that does not coerce to its field's type is ignored as if the
// token were not present, so the field keeps an earlier value or its
// default. Blocks are never rejected; a block with no recognized key still
// yields an all-default, unnamed snapshot.
package parser

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/snapshot"
)

var log = logging.Component("parser")

// Recognized keys.
const (
	KeyNodeName   = "NodeName"
	KeyCPULoad    = "CPULoad"
	KeyRealMemory = "RealMemory"
	KeyFreeMem    = "FreeMem"
	KeyState      = "State"
)

// NotApplicable is the FreeMem value reported when free memory is unknown.
// It is normalized to 0.
const NotApplicable = "N/A"

// Parse converts one raw payload into snapshots stamped with observedAt.
// Empty or whitespace-only input yields an empty, non-nil slice.
func Parse(raw string, observedAt time.Time) []snapshot.NodeSnapshot {
	blocks := splitBlocks(raw)
	out := make([]snapshot.NodeSnapshot, 0, len(blocks))

	for i, block := range blocks {
		out = append(out, parseBlock(i, block, observedAt))
	}

	return out
}

// splitBlocks groups non-blank lines into blocks separated by one or more
// blank lines.
func splitBlocks(raw string) [][]string {
	var (
		blocks  [][]string
		current []string
	)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}

	return blocks
}

func parseBlock(index int, lines []string, observedAt time.Time) snapshot.NodeSnapshot {
	s := snapshot.New(observedAt)

	for _, line := range lines {
		for _, token := range strings.Fields(line) {
			key, value, ok := strings.Cut(token, "=")
			if !ok || value == "" {
				continue
			}
			apply(&s, index, key, value)
		}
	}

	return s
}

func apply(s *snapshot.NodeSnapshot, index int, key, value string) {
	switch key {
	case KeyNodeName:
		s.NodeName = value

	case KeyCPULoad:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			malformed(index, key, value)
			return
		}
		s.CPULoad = f

	case KeyRealMemory:
		n, ok := parseCount(value)
		if !ok {
			malformed(index, key, value)
			return
		}
		s.TotalMemory = n

	case KeyFreeMem:
		if value == NotApplicable {
			s.FreeMemory = 0
			return
		}
		n, ok := parseCount(value)
		if !ok {
			malformed(index, key, value)
			return
		}
		s.FreeMemory = n

	case KeyState:
		s.State = value
	}
}

// parseCount parses a non-negative base-10 integer.
func parseCount(value string) (int64, bool) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func malformed(index int, key, value string) {
	log.Debug("ignoring malformed value", "block", index, "key", key, "value", value)
}
