package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/nodewatch/internal/snapshot"
)

var observedAt = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

// scontrolSample mirrors real `scontrol show node` output: several tokens
// per line, indented continuation lines.
const scontrolSample = `NodeName=gpu01 Arch=x86_64 CoresPerSocket=32
   CPUAlloc=12 CPUEfctv=64 CPUTot=64 CPULoad=17.35
   AvailableFeatures=a100
   RealMemory=515000 AllocMem=128000 FreeMem=301233 Sockets=2 Boards=1
   State=MIXED ThreadsPerCore=1 TmpDisk=0 Weights=1 Owner=N/A
   Partitions=gpu

NodeName=cpu07 Arch=x86_64 CoresPerSocket=16
   CPUAlloc=0 CPUEfctv=32 CPUTot=32 CPULoad=0.01
   RealMemory=192000 AllocMem=0 FreeMem=N/A Sockets=2 Boards=1
   State=IDLE+DRAIN ThreadsPerCore=1
`

func TestParse_Scenario(t *testing.T) {
	raw := "NodeName=n1\nCPULoad=12.5\nRealMemory=1000\nFreeMem=400\nState=IDLE"

	got := Parse(raw, observedAt)
	require.Len(t, got, 1)
	assert.Equal(t, snapshot.NodeSnapshot{
		NodeName:    "n1",
		Timestamp:   observedAt,
		CPULoad:     12.5,
		TotalMemory: 1000,
		FreeMemory:  400,
		State:       "IDLE",
	}, got[0])
}

func TestParse_ScontrolOutput(t *testing.T) {
	got := Parse(scontrolSample, observedAt)
	require.Len(t, got, 2)

	gpu := got[0]
	assert.Equal(t, "gpu01", gpu.NodeName)
	assert.Equal(t, 17.35, gpu.CPULoad)
	assert.Equal(t, int64(515000), gpu.TotalMemory)
	assert.Equal(t, int64(301233), gpu.FreeMemory)
	assert.Equal(t, "MIXED", gpu.State)

	cpu := got[1]
	assert.Equal(t, "cpu07", cpu.NodeName)
	assert.Zero(t, cpu.FreeMemory)
	assert.Equal(t, "IDLE+DRAIN", cpu.State)
}

func TestParse_Blocks(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		count int
	}{
		{"empty", "", 0},
		{"whitespace only", "  \n\t\n \r\n", 0},
		{"single block", "NodeName=a", 1},
		{"two blocks", "NodeName=a\n\nNodeName=b", 2},
		{"extra blank lines", "\n\nNodeName=a\n\n\n\nNodeName=b\n\n", 2},
		{"crlf", "NodeName=a\r\n\r\nNodeName=b\r\n", 2},
		{"blank line with spaces", "NodeName=a\n   \nNodeName=b", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw, observedAt)
			require.NotNil(t, got)
			assert.Len(t, got, tt.count)
		})
	}
}

func TestParse_Fields(t *testing.T) {
	tests := []struct {
		name  string
		block string
		check func(t *testing.T, s snapshot.NodeSnapshot)
	}{
		{
			name:  "last occurrence wins",
			block: "NodeName=n1\nState=A\nState=B",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Equal(t, "B", s.State)
			},
		},
		{
			name:  "last occurrence wins on one line",
			block: "NodeName=n1 CPULoad=1.0 CPULoad=2.0",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Equal(t, 2.0, s.CPULoad)
			},
		},
		{
			name:  "free mem sentinel",
			block: "NodeName=n1\nFreeMem=N/A",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Zero(t, s.FreeMemory)
			},
		},
		{
			name:  "sentinel overrides earlier value",
			block: "FreeMem=100\nFreeMem=N/A",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Zero(t, s.FreeMemory)
			},
		},
		{
			name:  "malformed numbers default",
			block: "NodeName=n1\nCPULoad=high\nRealMemory=lots\nFreeMem=-5",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Zero(t, s.CPULoad)
				assert.Zero(t, s.TotalMemory)
				assert.Zero(t, s.FreeMemory)
				assert.Equal(t, "n1", s.NodeName)
			},
		},
		{
			name:  "malformed later value keeps earlier",
			block: "CPULoad=3.5\nCPULoad=NaN\nRealMemory=64\nRealMemory=1e3",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Equal(t, 3.5, s.CPULoad)
				assert.Equal(t, int64(64), s.TotalMemory)
			},
		},
		{
			name:  "no recognized keys",
			block: "Arch=x86_64 Boards=1\nsome free text",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Equal(t, snapshot.New(observedAt), s)
			},
		},
		{
			name:  "key prefix is not a match",
			block: "NodeName=n1 NextState=DOWN OldState=X ReasonState=Y",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Equal(t, snapshot.StateUnknown, s.State)
			},
		},
		{
			name:  "empty value ignored",
			block: "NodeName=n1\nNodeName=\nState=",
			check: func(t *testing.T, s snapshot.NodeSnapshot) {
				assert.Equal(t, "n1", s.NodeName)
				assert.Equal(t, snapshot.StateUnknown, s.State)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.block, observedAt)
			require.Len(t, got, 1)
			tt.check(t, got[0])
		})
	}
}

func TestParse_MalformedBlockDoesNotAffectOthers(t *testing.T) {
	raw := "NodeName=bad CPULoad=??? RealMemory=x\n\nNodeName=good CPULoad=4.5"

	got := Parse(raw, observedAt)
	require.Len(t, got, 2)
	assert.Equal(t, "good", got[1].NodeName)
	assert.Equal(t, 4.5, got[1].CPULoad)
}

func TestParse_SharedTimestamp(t *testing.T) {
	got := Parse(scontrolSample, observedAt)
	for i, s := range got {
		assert.True(t, s.Timestamp.Equal(observedAt), "snapshot %d timestamp = %v", i, s.Timestamp)
	}
}

func TestParse_LastOccurrenceWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	state := gen.RegexMatch(`[A-Z][A-Z+]{0,11}`)

	properties.Property("the last State line decides the state", prop.ForAll(
		func(states []string) bool {
			if len(states) == 0 {
				return true
			}
			lines := []string{"NodeName=n1"}
			for _, st := range states {
				lines = append(lines, KeyState+"="+st)
			}

			got := Parse(strings.Join(lines, "\n"), observedAt)
			return len(got) == 1 && got[0].State == states[len(states)-1]
		},
		gen.SliceOf(state),
	))

	properties.Property("one snapshot per block", prop.ForAll(
		func(names []string) bool {
			blocks := make([]string, len(names))
			for i, n := range names {
				blocks[i] = KeyNodeName + "=" + n
			}

			got := Parse(strings.Join(blocks, "\n\n"), observedAt)
			if len(got) != len(names) {
				return false
			}
			for i := range names {
				if got[i].NodeName != names[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
