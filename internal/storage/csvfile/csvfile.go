// Package csvfile reads and writes the historical snapshot store as CSV.
package csvfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/snapshot"
)

var log = logging.Component("csvfile")

// Column names, in file order.
const (
	ColTimestamp  = "timestamp"
	ColNodeName   = "NodeName"
	ColCPULoad    = "CPULoad"
	ColRealMemory = "RealMemory"
	ColFreeMem    = "FreeMem"
	ColState      = "State"
)

// Header is the header row written to every file.
var Header = []string{ColTimestamp, ColNodeName, ColCPULoad, ColRealMemory, ColFreeMem, ColState}

// TimeLayout is the timestamp representation written to the file.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// naiveLayouts accept zone-less timestamps written by pandas-based
// tooling, which recorded local wall-clock time.
var naiveLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// Codec encodes the whole snapshot collection as one CSV file.
type Codec struct {
	// Location interprets timestamps without a zone. Nil means time.Local.
	Location *time.Location
}

// NewCodec creates a CSV codec that reads zone-less timestamps as local time.
func NewCodec() *Codec {
	return &Codec{}
}

// Name returns the format name.
func (c *Codec) Name() string {
	return "csv"
}

// Encode writes the header and one row per record.
func (c *Codec) Encode(w io.Writer, records []snapshot.NodeSnapshot) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(Header))
	for i := range records {
		r := &records[i]
		row[0] = r.Timestamp.UTC().Format(TimeLayout)
		row[1] = r.NodeName
		row[2] = strconv.FormatFloat(r.CPULoad, 'f', -1, 64)
		row[3] = strconv.FormatInt(r.TotalMemory, 10)
		row[4] = strconv.FormatInt(r.FreeMemory, 10)
		row[5] = r.State
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Decode reads a CSV file of the given size. Columns are matched by header
// name, so column order does not matter. A row with an unreadable
// timestamp fails the whole decode; other unreadable fields take their
// snapshot defaults.
func (c *Codec) Decode(r io.ReaderAt, size int64) ([]snapshot.NodeSnapshot, error) {
	cr := csv.NewReader(io.NewSectionReader(r, 0, size))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []snapshot.NodeSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	if _, ok := index[ColTimestamp]; !ok {
		return nil, fmt.Errorf("missing %q column", ColTimestamp)
	}

	field := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	records := make([]snapshot.NodeSnapshot, 0)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}

		ts, err := c.parseTime(field(rec, ColTimestamp))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		s := snapshot.New(ts)
		s.NodeName = field(rec, ColNodeName)
		if v, err := strconv.ParseFloat(field(rec, ColCPULoad), 64); err == nil {
			s.CPULoad = v
		}
		s.TotalMemory = parseInt(field(rec, ColRealMemory))
		s.FreeMemory = parseInt(field(rec, ColFreeMem))
		if st := field(rec, ColState); st != "" {
			s.State = st
		}

		records = append(records, s)
	}

	log.Debug("decoded", "rows", len(records))
	return records, nil
}

func (c *Codec) parseTime(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts.UTC(), nil
	}

	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, v, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// parseInt accepts integers and integral floats ("1000.0"), which
// pandas emits for integer columns that contained gaps.
func parseInt(v string) int64 {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f == float64(int64(f)) {
		return int64(f)
	}
	return 0
}
