package parquet

import (
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/nodewatch/internal/snapshot"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize caps the number of rows buffered per row group.
	RowGroupSize int64
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// String returns the config name of the compression type.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SnapshotRow represents a snapshot in Parquet format. Column names match
// the CSV header so both formats expose the same table.
type SnapshotRow struct {
	TimestampUs int64   `parquet:"timestamp"`
	NodeName    string  `parquet:"NodeName,dict,zstd"`
	CPULoad     float64 `parquet:"CPULoad"`
	RealMemory  int64   `parquet:"RealMemory"`
	FreeMem     int64   `parquet:"FreeMem"`
	State       string  `parquet:"State,dict,zstd"`
}

// SnapshotToRow converts a NodeSnapshot to a SnapshotRow.
func SnapshotToRow(s *snapshot.NodeSnapshot) SnapshotRow {
	return SnapshotRow{
		TimestampUs: s.Timestamp.UnixMicro(),
		NodeName:    s.NodeName,
		CPULoad:     s.CPULoad,
		RealMemory:  s.TotalMemory,
		FreeMem:     s.FreeMemory,
		State:       s.State,
	}
}

// RowToSnapshot converts a SnapshotRow to a NodeSnapshot.
func RowToSnapshot(r *SnapshotRow) snapshot.NodeSnapshot {
	return snapshot.NodeSnapshot{
		NodeName:    r.NodeName,
		Timestamp:   time.UnixMicro(r.TimestampUs).UTC(),
		CPULoad:     r.CPULoad,
		TotalMemory: r.RealMemory,
		FreeMemory:  r.FreeMem,
		State:       r.State,
	}
}

// Codec encodes the whole snapshot collection as one Parquet file.
type Codec struct {
	opts Options
}

// NewCodec creates a Parquet codec.
func NewCodec(opts Options) *Codec {
	return &Codec{opts: opts}
}

// Name returns the format name.
func (c *Codec) Name() string {
	return "parquet"
}

// Encode writes records to w as a complete Parquet file.
func (c *Codec) Encode(w io.Writer, records []snapshot.NodeSnapshot) error {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(c.opts.Compression)),
	}
	if c.opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(c.opts.RowGroupSize))
	}

	writer := parquet.NewGenericWriter[SnapshotRow](w, writerOpts...)

	rows := make([]SnapshotRow, len(records))
	for i := range records {
		rows[i] = SnapshotToRow(&records[i])
	}

	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			writer.Close()
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
