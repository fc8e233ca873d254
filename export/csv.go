/*Package export writes acquired readings out of the server: to CSV files on
disk and to Redis for other programs to consume.
*/
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cryolab/cryolab/acquire"
)

// TimeFormat is the layout of the timestamp column
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// header returns the column names for channels, which are sorted
func header(channels []string) []string {
	return append([]string{"timestamp", "elapsed_s"}, channels...)
}

func channelsOf(r acquire.Reading) []string {
	out := make([]string, 0, len(r.Values))
	for k := range r.Values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func record(r acquire.Reading, start time.Time, channels []string) []string {
	rec := make([]string, 0, len(channels)+2)
	rec = append(rec, r.Time.Format(TimeFormat), strconv.FormatFloat(r.Time.Sub(start).Seconds(), 'f', 3, 64))
	for _, ch := range channels {
		v, ok := r.Values[ch]
		if !ok {
			rec = append(rec, "")
			continue
		}
		rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return rec
}

// WriteCSV writes readings as CSV with a timestamp,elapsed_s,<channels...>
// header.  Elapsed time is measured from the first reading.  The channels
// are the union over all readings; a channel missing from a reading is an
// empty cell.
func WriteCSV(w io.Writer, readings []acquire.Reading) error {
	set := map[string]struct{}{}
	for _, r := range readings {
		for k := range r.Values {
			set[k] = struct{}{}
		}
	}
	channels := make([]string, 0, len(set))
	for k := range set {
		channels = append(channels, k)
	}
	sort.Strings(channels)

	cw := csv.NewWriter(w)
	if err := cw.Write(header(channels)); err != nil {
		return err
	}
	if len(readings) > 0 {
		start := readings[0].Time
		for _, r := range readings {
			if err := cw.Write(record(r, start, channels)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// HTTPHistoryCSV serves the history of p as a CSV download
func HTTPHistoryCSV(p *acquire.Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Node()+".csv"))
		if err := WriteCSV(w, p.History().Contiguous()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// CSVFile is an acquire.Sink appending readings to a file.  The columns are
// fixed by the first reading written; a file that already exists is
// appended to without a new header.
type CSVFile struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	w        *csv.Writer
	channels []string
	start    time.Time
}

// NewCSVFile returns a sink writing to path.  The file is created on the
// first write.
func NewCSVFile(path string) *CSVFile {
	return &CSVFile{path: path}
}

// Path is the file written to
func (c *CSVFile) Path() string {
	return c.path
}

func (c *CSVFile) open(r acquire.Reading) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	fresh := true
	if st, err := os.Stat(c.path); err == nil && st.Size() > 0 {
		fresh = false
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	c.f = f
	c.w = csv.NewWriter(f)
	c.channels = channelsOf(r)
	c.start = r.Time
	if fresh {
		return c.w.Write(header(c.channels))
	}
	return nil
}

// Write appends one row and flushes it to disk
func (c *CSVFile) Write(_ context.Context, r acquire.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		if err := c.open(r); err != nil {
			return fmt.Errorf("opening %s: %w", c.path, err)
		}
	}
	if err := c.w.Write(record(r, c.start, c.channels)); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Close closes the file.  A closed sink reopens the file on the next write.
func (c *CSVFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	c.w.Flush()
	err := c.f.Close()
	c.f, c.w = nil, nil
	return err
}
