package parquet

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/nodewatch/internal/snapshot"
)

// Decode reads every row of a Parquet file of the given size.
func (c *Codec) Decode(r io.ReaderAt, size int64) ([]snapshot.NodeSnapshot, error) {
	file, err := parquet.OpenFile(r, size, parquet.ReadBufferSize(1024*1024))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[SnapshotRow](file)
	defer reader.Close()

	rows := make([]SnapshotRow, file.NumRows())
	n := 0
	for n < len(rows) {
		count, err := reader.Read(rows[n:])
		n += count
		if errors.Is(err, io.EOF) || (err == nil && count == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}
	rows = rows[:n]

	records := make([]snapshot.NodeSnapshot, len(rows))
	for i := range rows {
		records[i] = RowToSnapshot(&rows[i])
	}

	return records, nil
}
