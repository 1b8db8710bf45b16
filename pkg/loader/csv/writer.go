package csv

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// TimestampLayout is the layout written by Writer. Parse accepts it without
// loss of precision.
const TimestampLayout = time.RFC3339Nano

// Writer encodes records using the ingestion schema so that exports can be
// fed back into Parse unchanged.
type Writer struct {
	w        *csv.Writer
	metaKeys []string
	row      []string
	started  bool
}

// NewWriter returns a Writer emitting the canonical columns followed by one
// column per metadata key, in the given order.
func NewWriter(w io.Writer, metadataKeys []string) *Writer {
	return &Writer{
		w:        csv.NewWriter(w),
		metaKeys: metadataKeys,
		row:      make([]string, len(record.Columns)+len(metadataKeys)),
	}
}

// Header returns the column names written by the Writer.
func (w *Writer) Header() []string {
	header := make([]string, 0, len(record.Columns)+len(w.metaKeys))
	header = append(header, record.Columns...)
	return append(header, w.metaKeys...)
}

// Write encodes r, writing the header first if needed.
func (w *Writer) Write(r record.Record) error {
	if !w.started {
		if err := w.w.Write(w.Header()); err != nil {
			return err
		}
		w.started = true
	}

	w.row[0] = r.Timestamp.Format(TimestampLayout)
	w.row[1] = r.AParty
	w.row[2] = r.BParty
	w.row[3] = strconv.FormatInt(r.DurationSeconds, 10)
	w.row[4] = string(r.ServiceType)
	for i, key := range w.metaKeys {
		w.row[len(record.Columns)+i] = r.Metadata[key]
	}
	return w.w.Write(w.row)
}

// Flush writes the header if nothing was written yet and flushes buffered
// data to the underlying writer.
func (w *Writer) Flush() error {
	if !w.started {
		if err := w.w.Write(w.Header()); err != nil {
			return err
		}
		w.started = true
	}
	w.w.Flush()
	return w.w.Error()
}
