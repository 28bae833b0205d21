package filter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Table is the tabular view of a report that filters run against. Rows are
// addressed by their index in the table the report was read into; Select
// keeps those indices so audit entries always cite the submitted position.
type Table struct {
	columns  []string
	index    map[string]int
	rows     [][]string
	origin   []int
	tracking string
}

// NewTable builds a table. tracking names the column holding item ids; it
// may be empty.
func NewTable(columns []string, rows [][]string, tracking string) (*Table, error) {
	t := &Table{
		columns:  append([]string(nil), columns...),
		index:    make(map[string]int, len(columns)),
		tracking: tracking,
	}
	for i, c := range columns {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, fmt.Errorf("column %d has no name", i)
		}
		if _, dup := t.index[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		t.columns[i] = c
		t.index[c] = i
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), len(columns))
		}
		t.rows = append(t.rows, append([]string(nil), r...))
		t.origin = append(t.origin, i)
	}
	return t, nil
}

// FromRecords builds a table from column/value maps. Columns are the sorted
// union of all record keys.
func FromRecords(records []map[string]string, tracking string) (*Table, error) {
	seen := make(map[string]bool)
	var columns []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	rows := make([][]string, len(records))
	for i, rec := range records {
		rows[i] = make([]string, len(columns))
		for j, c := range columns {
			rows[i][j] = rec[c]
		}
	}
	return NewTable(columns, rows, tracking)
}

// ReadCSV reads a table whose first record is the header.
func ReadCSV(r io.Reader, tracking string) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading csv: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	return NewTable(header, rows, tracking)
}

// WriteCSV writes the header followed by every row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.rows); err != nil {
		return err
	}
	return cw.Error()
}

func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

func (t *Table) Len() int { return len(t.rows) }

// Row returns the i-th row of this table.
func (t *Table) Row(i int) Row { return Row{table: t, pos: i} }

func (t *Table) Rows() []Row {
	out := make([]Row, len(t.rows))
	for i := range t.rows {
		out[i] = t.Row(i)
	}
	return out
}

// Select returns a table holding the given rows in the given order.
func (t *Table) Select(rows []Row) *Table {
	out := &Table{columns: t.columns, index: t.index, tracking: t.tracking}
	for _, r := range rows {
		if r.table != t {
			continue
		}
		out.rows = append(out.rows, t.rows[r.pos])
		out.origin = append(out.origin, t.origin[r.pos])
	}
	return out
}

// Row is a view of one table row.
type Row struct {
	table *Table
	pos   int
}

// Index is the position of the row in the table it was first read into.
func (r Row) Index() int { return r.table.origin[r.pos] }

// ID is the tracking column value, or the index when there is none.
func (r Row) ID() string {
	if v, _ := r.Get(r.table.tracking); v != "" {
		return v
	}
	return strconv.Itoa(r.Index())
}

// Get returns the trimmed value of col. ok is false when the table has no
// such column.
func (r Row) Get(col string) (v string, ok bool) {
	i, ok := r.table.index[col]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(r.table.rows[r.pos][i]), true
}

// Has reports whether col exists and holds a non-blank value.
func (r Row) Has(col string) bool {
	v, _ := r.Get(col)
	return v != ""
}

// Values returns the row as a column/value map.
func (r Row) Values() map[string]string {
	out := make(map[string]string, len(r.table.columns))
	for i, c := range r.table.columns {
		out[c] = r.table.rows[r.pos][i]
	}
	return out
}
