package parquet

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/nodewatch/internal/snapshot"
)

var t0 = time.Date(2026, 1, 15, 10, 30, 0, 123456000, time.UTC)

func testRecords() []snapshot.NodeSnapshot {
	return []snapshot.NodeSnapshot{
		{NodeName: "gpu01", Timestamp: t0, CPULoad: 17.35, TotalMemory: 515000, FreeMemory: 301233, State: "MIXED"},
		{NodeName: "", Timestamp: t0, State: snapshot.StateUnknown},
		{NodeName: "cpu07", Timestamp: t0.Add(time.Minute), CPULoad: 0.01, TotalMemory: 192000, State: "IDLE+DRAIN"},
	}
}

func roundTrip(t *testing.T, c *Codec, records []snapshot.NodeSnapshot) []snapshot.NodeSnapshot {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, records))

	data := buf.Bytes()
	got, err := c.Decode(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return got
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionSnappy, CompressionZstd, CompressionGzip} {
		t.Run(ct.String(), func(t *testing.T) {
			records := testRecords()
			got := roundTrip(t, NewCodec(Options{Compression: ct}), records)

			require.Len(t, got, len(records))
			for i := range records {
				assert.Equal(t, records[i].Key(), got[i].Key(), "record %d", i)
				assert.Equal(t, records[i].CPULoad, got[i].CPULoad)
				assert.Equal(t, records[i].TotalMemory, got[i].TotalMemory)
				assert.Equal(t, records[i].FreeMemory, got[i].FreeMemory)
				assert.Equal(t, records[i].State, got[i].State)
			}
		})
	}
}

func TestCodec_ManyRows(t *testing.T) {
	records := make([]snapshot.NodeSnapshot, 5000)
	for i := range records {
		records[i] = snapshot.NodeSnapshot{
			NodeName:  fmt.Sprintf("cn%04d", i%250),
			Timestamp: t0.Add(time.Duration(i/250) * time.Minute),
			CPULoad:   float64(i%100) / 4,
			State:     "IDLE",
		}
	}

	got := roundTrip(t, NewCodec(DefaultOptions()), records)
	require.Len(t, got, len(records))
	assert.Equal(t, records[len(records)-1].Key(), got[len(got)-1].Key())
}

func TestCodec_Empty(t *testing.T) {
	got := roundTrip(t, NewCodec(DefaultOptions()), nil)
	assert.Empty(t, got)
}

func TestCodec_DecodeGarbage(t *testing.T) {
	c := NewCodec(DefaultOptions())
	data := []byte("timestamp,NodeName\nnot parquet\n")

	_, err := c.Decode(bytes.NewReader(data), int64(len(data)))
	assert.Error(t, err)
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"snappy": CompressionSnappy,
		"zstd":   CompressionZstd,
		"lz4":    CompressionLZ4,
		"gzip":   CompressionGzip,
		"none":   CompressionNone,
		"":       CompressionNone,
		"bogus":  CompressionZstd,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseCompressionType(in), in)
	}
}
