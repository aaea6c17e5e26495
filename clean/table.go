// Package clean applies ordered, stateless transformation operations
// to a tabular view of a record set. A pipeline is configured from
// {operation, params} specs, validated entirely up front, and executed
// strictly in order.
package clean

import (
	"sort"
	"time"

	"github.com/variosync/tsconv"
)

// Reserved column names in the tabular view.
const (
	ColSeries    = "series_id"
	ColTimestamp = "timestamp"
)

// Table is a record set projected into named columns. Column 0 is the
// series id, column 1 the timestamp; the rest are measurement columns
// in first-seen order. A nil cell is NA. Metadata and provenance ride
// alongside and are carried through untouched.
type Table struct {
	cols []string
	rows [][]interface{}
	meta []*tsconv.Fields
	src  []string
}

// FromRecords projects records into a fresh table. The records are
// not retained or mutated; operations are free to rewrite the table.
func FromRecords(records []tsconv.Record) *Table {
	t := &Table{cols: []string{ColSeries, ColTimestamp}}
	seen := map[string]bool{}
	for _, r := range records {
		for _, k := range r.Measurements.Keys() {
			if !seen[k] && k != ColSeries && k != ColTimestamp {
				seen[k] = true
				t.cols = append(t.cols, k)
			}
		}
	}
	for _, r := range records {
		row := make([]interface{}, len(t.cols))
		row[0] = r.SeriesID
		row[1] = r.Timestamp
		for i, c := range t.cols[2:] {
			if v, ok := r.Measurements.Get(c); ok {
				row[i+2] = v
			}
		}
		t.rows = append(t.rows, row)
		t.meta = append(t.meta, r.Metadata)
		t.src = append(t.src, r.SourceFormat)
	}
	return t
}

// ToRecords rebuilds records from the table. Rows whose measurement
// cells are all NA cannot form a valid record and are dropped; the
// count is returned so callers never lose rows silently.
func (t *Table) ToRecords() ([]tsconv.Record, int) {
	var out []tsconv.Record
	dropped := 0
	for i, row := range t.rows {
		series, _ := row[0].(string)
		ts, tok := row[1].(time.Time)
		m := tsconv.NewFields()
		for j, c := range t.cols[2:] {
			if row[j+2] != nil {
				m.Set(c, row[j+2])
			}
		}
		if series == "" || !tok || ts.IsZero() || m.Len() == 0 {
			dropped++
			continue
		}
		rec, err := tsconv.NewRecord(series, ts, m)
		if err != nil {
			dropped++
			continue
		}
		rec.Metadata = t.meta[i]
		rec.SourceFormat = t.src[i]
		out = append(out, rec)
	}
	return out, dropped
}

// Columns returns the column names. The slice is shared.
func (t *Table) Columns() []string { return t.cols }

// NumRows returns the row count.
func (t *Table) NumRows() int { return len(t.rows) }

// Row returns row i. The slice is shared.
func (t *Table) Row(i int) []interface{} { return t.rows[i] }

func (t *Table) colIndex(name string) int {
	for i, c := range t.cols {
		if c == name {
			return i
		}
	}
	return -1
}

// measurementCols returns the indexes of non-reserved columns.
func (t *Table) measurementCols() []int {
	idx := make([]int, 0, len(t.cols)-2)
	for i := 2; i < len(t.cols); i++ {
		idx = append(idx, i)
	}
	return idx
}

// numericCols returns indexes of measurement columns holding at least
// one numeric cell and no non-numeric cells.
func (t *Table) numericCols() []int {
	var out []int
	for _, ci := range t.measurementCols() {
		numeric := false
		mixed := false
		for _, row := range t.rows {
			if row[ci] == nil {
				continue
			}
			if _, ok := cellFloat(row[ci]); ok {
				numeric = true
			} else {
				mixed = true
				break
			}
		}
		if numeric && !mixed {
			out = append(out, ci)
		}
	}
	return out
}

// keepRows retains only the rows whose index passes keep, preserving
// order.
func (t *Table) keepRows(keep func(i int) bool) {
	var rows [][]interface{}
	var meta []*tsconv.Fields
	var src []string
	for i := range t.rows {
		if keep(i) {
			rows = append(rows, t.rows[i])
			meta = append(meta, t.meta[i])
			src = append(src, t.src[i])
		}
	}
	t.rows, t.meta, t.src = rows, meta, src
}

// dropColumn removes a column by index.
func (t *Table) dropColumn(ci int) {
	t.cols = append(t.cols[:ci], t.cols[ci+1:]...)
	for i, row := range t.rows {
		t.rows[i] = append(row[:ci], row[ci+1:]...)
	}
}

// seriesGroups returns, per series in first-seen order, the row
// indexes of that series sorted by timestamp (stable). Operations that
// fill or interpolate per series walk these.
func (t *Table) seriesGroups() [][]int {
	order := []string{}
	groups := map[string][]int{}
	for i, row := range t.rows {
		s, _ := row[0].(string)
		if _, ok := groups[s]; !ok {
			order = append(order, s)
		}
		groups[s] = append(groups[s], i)
	}
	out := make([][]int, 0, len(order))
	for _, s := range order {
		idx := groups[s]
		sort.SliceStable(idx, func(a, b int) bool {
			ta, _ := t.rows[idx[a]][1].(time.Time)
			tb, _ := t.rows[idx[b]][1].(time.Time)
			return ta.Before(tb)
		})
		out = append(out, idx)
	}
	return out
}

// cellFloat coerces a numeric cell to float64.
func cellFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}
