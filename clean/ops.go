package clean

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// buildOp validates one spec and returns the executable operation.
func buildOp(s Spec) (Op, error) {
	var (
		op  Op
		err error
	)
	switch s.Op {
	case "drop_na":
		op, err = newDropNA(s.Params)
	case "fill_na":
		op, err = newFillNA(s.Params)
	case "remove_duplicates":
		op, err = newDedup(s.Params)
	case "remove_outliers":
		op, err = newOutliers(s.Params)
	case "resample":
		op, err = newResample(s.Params)
	case "filter_rows":
		op, err = newFilterRows(s.Params)
	case "normalize_timestamps":
		op, err = newNormalizeTimestamps(s.Params)
	case "rename_columns":
		op, err = newRenameColumns(s.Params)
	case "drop_columns":
		op, err = newDropColumns(s.Params)
	case "add_column":
		op, err = newAddColumn(s.Params)
	case "convert_type":
		op, err = newConvertType(s.Params)
	case "clip_values":
		op, err = newClipValues(s.Params)
	case "round_values":
		op, err = newRoundValues(s.Params)
	case "interpolate":
		op, err = newInterpolate(s.Params)
	default:
		return nil, &ConfigError{Op: s.Op, Reason: "unknown operation"}
	}
	if err != nil {
		return nil, &ConfigError{Op: s.Op, Reason: err.Error()}
	}
	return op, nil
}

// ---- parameter helpers ----

func strParam(p map[string]interface{}, key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("'%s' must be a string, got %T", key, v)
	}
	return s, nil
}

func strsParam(p map[string]interface{}, key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, errors.Errorf("'%s' must be a list of strings, got element %T", key, e)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{t}, nil
	}
	return nil, errors.Errorf("'%s' must be a list of strings, got %T", key, v)
}

func floatParam(p map[string]interface{}, key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	}
	return 0, errors.Errorf("'%s' must be a number, got %T", key, v)
}

func intParam(p map[string]interface{}, key string, def int) (int, error) {
	f, err := floatParam(p, key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func oneOf(value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Errorf("'%s' is not one of %s", value, strings.Join(allowed, "/"))
}

func reservedCol(name string) bool {
	return name == ColSeries || name == ColTimestamp
}

// ---- drop_na ----

type dropNA struct {
	subset []string
	how    string
}

func newDropNA(p map[string]interface{}) (Op, error) {
	subset, err := strsParam(p, "subset")
	if err != nil {
		return nil, err
	}
	how, err := strParam(p, "how", "any")
	if err != nil {
		return nil, err
	}
	if err := oneOf(how, "any", "all"); err != nil {
		return nil, errors.Wrap(err, "how")
	}
	return &dropNA{subset: subset, how: how}, nil
}

func (o *dropNA) Name() string { return "drop_na" }

func (o *dropNA) apply(t *Table) (*Table, error) {
	cols := o.targetCols(t)
	t.keepRows(func(i int) bool {
		if len(cols) == 0 {
			return true
		}
		na := 0
		for _, ci := range cols {
			if t.rows[i][ci] == nil {
				na++
			}
		}
		if o.how == "all" {
			return na < len(cols)
		}
		return na == 0
	})
	return t, nil
}

func (o *dropNA) targetCols(t *Table) []int {
	if len(o.subset) == 0 {
		return t.measurementCols()
	}
	var cols []int
	for _, name := range o.subset {
		if ci := t.colIndex(name); ci >= 0 {
			cols = append(cols, ci)
		}
	}
	return cols
}

// ---- fill_na ----

type fillNA struct {
	method string
	value  interface{}
	cols   []string
}

func newFillNA(p map[string]interface{}) (Op, error) {
	method, err := strParam(p, "method", "ffill")
	if err != nil {
		return nil, err
	}
	if err := oneOf(method, "ffill", "bfill", "mean", "median", "mode", "value"); err != nil {
		return nil, errors.Wrap(err, "method")
	}
	cols, err := strsParam(p, "columns")
	if err != nil {
		return nil, err
	}
	var value interface{}
	if method == "value" {
		v, ok := p["value"]
		if !ok || v == nil {
			return nil, errors.New("method 'value' requires a 'value' parameter")
		}
		value = v
	}
	return &fillNA{method: method, value: value, cols: cols}, nil
}

func (o *fillNA) Name() string { return "fill_na" }

func (o *fillNA) apply(t *Table) (*Table, error) {
	cols := o.targetCols(t)
	switch o.method {
	case "ffill", "bfill":
		// Directional fill runs per series group in timestamp order.
		for _, group := range t.seriesGroups() {
			idx := group
			if o.method == "bfill" {
				idx = make([]int, len(group))
				for i, g := range group {
					idx[len(group)-1-i] = g
				}
			}
			for _, ci := range cols {
				var last interface{}
				for _, ri := range idx {
					if t.rows[ri][ci] != nil {
						last = t.rows[ri][ci]
					} else if last != nil {
						t.rows[ri][ci] = last
					}
				}
			}
		}
	case "value":
		for _, ci := range cols {
			for _, row := range t.rows {
				if row[ci] == nil {
					row[ci] = o.value
				}
			}
		}
	case "mean", "median":
		for _, ci := range cols {
			if !t.colNumeric(ci) {
				continue
			}
			var vals []float64
			for _, row := range t.rows {
				if f, ok := cellFloat(row[ci]); ok {
					vals = append(vals, f)
				}
			}
			if len(vals) == 0 {
				continue
			}
			var fill float64
			if o.method == "mean" {
				fill = mean(vals)
			} else {
				sort.Float64s(vals)
				fill = quantile(vals, 0.5)
			}
			for _, row := range t.rows {
				if row[ci] == nil {
					row[ci] = fill
				}
			}
		}
	case "mode":
		for _, ci := range cols {
			fill, ok := modeOf(t, ci)
			if !ok {
				continue
			}
			for _, row := range t.rows {
				if row[ci] == nil {
					row[ci] = fill
				}
			}
		}
	}
	return t, nil
}

func (o *fillNA) targetCols(t *Table) []int {
	if len(o.cols) == 0 {
		if o.method == "mean" || o.method == "median" {
			return t.numericCols()
		}
		return t.measurementCols()
	}
	var cols []int
	for _, name := range o.cols {
		if ci := t.colIndex(name); ci >= 0 && !reservedCol(name) {
			cols = append(cols, ci)
		}
	}
	return cols
}

func (t *Table) colNumeric(ci int) bool {
	for _, n := range t.numericCols() {
		if n == ci {
			return true
		}
	}
	return false
}

func modeOf(t *Table, ci int) (interface{}, bool) {
	counts := map[interface{}]int{}
	var order []interface{}
	for _, row := range t.rows {
		if row[ci] == nil {
			continue
		}
		if counts[row[ci]] == 0 {
			order = append(order, row[ci])
		}
		counts[row[ci]]++
	}
	best := 0
	var val interface{}
	for _, v := range order {
		if counts[v] > best {
			best = counts[v]
			val = v
		}
	}
	return val, best > 0
}

// ---- remove_duplicates ----

type dedup struct {
	subset []string
	keep   string
}

func newDedup(p map[string]interface{}) (Op, error) {
	subset, err := strsParam(p, "subset")
	if err != nil {
		return nil, err
	}
	keep := "first"
	if v, ok := p["keep"]; ok && v != nil {
		switch kv := v.(type) {
		case string:
			keep = kv
		case bool:
			if !kv {
				keep = "none"
			}
		default:
			return nil, errors.Errorf("'keep' must be a string, got %T", v)
		}
	}
	if err := oneOf(keep, "first", "last", "none"); err != nil {
		return nil, errors.Wrap(err, "keep")
	}
	return &dedup{subset: subset, keep: keep}, nil
}

func (o *dedup) Name() string { return "remove_duplicates" }

func (o *dedup) apply(t *Table) (*Table, error) {
	cols := o.keyCols(t)
	counts := map[string]int{}
	firstAt := map[string]int{}
	lastAt := map[string]int{}
	keys := make([]string, len(t.rows))
	for i := range t.rows {
		k := rowKey(t, i, cols)
		keys[i] = k
		if counts[k] == 0 {
			firstAt[k] = i
		}
		lastAt[k] = i
		counts[k]++
	}
	t.keepRows(func(i int) bool {
		k := keys[i]
		switch o.keep {
		case "first":
			return firstAt[k] == i
		case "last":
			return lastAt[k] == i
		default: // none: drop every member of a duplicated key
			return counts[k] == 1
		}
	})
	return t, nil
}

func (o *dedup) keyCols(t *Table) []int {
	if len(o.subset) == 0 {
		return []int{0, 1}
	}
	var cols []int
	for _, name := range o.subset {
		if ci := t.colIndex(name); ci >= 0 {
			cols = append(cols, ci)
		}
	}
	if len(cols) == 0 {
		return []int{0, 1}
	}
	return cols
}

func rowKey(t *Table, i int, cols []int) string {
	parts := make([]string, len(cols))
	for j, ci := range cols {
		v := t.rows[i][ci]
		if ts, ok := v.(time.Time); ok {
			parts[j] = strconv.FormatInt(ts.UnixNano(), 10)
		} else {
			parts[j] = fmt.Sprintf("%T\x00%v", v, v)
		}
	}
	return strings.Join(parts, "\x1f")
}

// ---- remove_outliers ----

type outliers struct {
	cols       []string
	method     string
	threshold  float64
	multiplier float64
}

func newOutliers(p map[string]interface{}) (Op, error) {
	cols, err := strsParam(p, "columns")
	if err != nil {
		return nil, err
	}
	method, err := strParam(p, "method", "iqr")
	if err != nil {
		return nil, err
	}
	if err := oneOf(method, "iqr", "zscore"); err != nil {
		return nil, errors.Wrap(err, "method")
	}
	threshold, err := floatParam(p, "threshold", 3.0)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		return nil, errors.New("'threshold' must be positive")
	}
	multiplier, err := floatParam(p, "multiplier", 1.5)
	if err != nil {
		return nil, err
	}
	if multiplier <= 0 {
		return nil, errors.New("'multiplier' must be positive")
	}
	return &outliers{cols: cols, method: method, threshold: threshold, multiplier: multiplier}, nil
}

func (o *outliers) Name() string { return "remove_outliers" }

func (o *outliers) apply(t *Table) (*Table, error) {
	var cols []int
	if len(o.cols) == 0 {
		cols = t.numericCols()
	} else {
		for _, name := range o.cols {
			if ci := t.colIndex(name); ci >= 0 && t.colNumeric(ci) {
				cols = append(cols, ci)
			}
		}
	}
	// A row goes when any targeted column flags it.
	flagged := make([]bool, len(t.rows))
	for _, ci := range cols {
		var vals []float64
		for _, row := range t.rows {
			if f, ok := cellFloat(row[ci]); ok {
				vals = append(vals, f)
			}
		}
		if len(vals) < 2 {
			continue
		}
		var lo, hi float64
		if o.method == "iqr" {
			sorted := append([]float64(nil), vals...)
			sort.Float64s(sorted)
			q1 := quantile(sorted, 0.25)
			q3 := quantile(sorted, 0.75)
			iqr := q3 - q1
			lo, hi = q1-o.multiplier*iqr, q3+o.multiplier*iqr
		} else {
			m := mean(vals)
			sd := stddev(vals, m)
			if sd == 0 {
				continue
			}
			lo, hi = m-o.threshold*sd, m+o.threshold*sd
		}
		for i, row := range t.rows {
			if f, ok := cellFloat(row[ci]); ok && (f < lo || f > hi) {
				flagged[i] = true
			}
		}
	}
	t.keepRows(func(i int) bool { return !flagged[i] })
	return t, nil
}

func mean(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// stddev is the sample standard deviation.
func stddev(vals []float64, m float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)-1))
}

// quantile uses linear interpolation between order statistics, the
// same definition pandas defaults to. vals must be sorted.
func quantile(vals []float64, q float64) float64 {
	n := len(vals)
	if n == 1 {
		return vals[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return vals[lo]
	}
	return vals[lo] + (pos-float64(lo))*(vals[hi]-vals[lo])
}

// ---- resample ----

type resample struct {
	freq time.Duration
	agg  string
}

func newResample(p map[string]interface{}) (Op, error) {
	freqStr, err := strParam(p, "freq", "")
	if err != nil {
		return nil, err
	}
	if freqStr == "" {
		return nil, errors.New("'freq' is required")
	}
	freq, err := parseFreq(freqStr)
	if err != nil {
		return nil, err
	}
	agg, err := strParam(p, "agg", "")
	if err != nil {
		return nil, err
	}
	if agg == "" {
		if agg, err = strParam(p, "method", "mean"); err != nil {
			return nil, err
		}
	}
	if err := oneOf(agg, "mean", "sum", "min", "max", "first", "last"); err != nil {
		return nil, errors.Wrap(err, "agg")
	}
	column, err := strParam(p, "column", ColTimestamp)
	if err != nil {
		return nil, err
	}
	if column != ColTimestamp {
		return nil, errors.Errorf("resample only buckets the '%s' column", ColTimestamp)
	}
	return &resample{freq: freq, agg: agg}, nil
}

// parseFreq understands Go durations plus the "15min", "1H", "1D",
// "1W" spellings common in resample configs.
func parseFreq(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if strings.HasSuffix(s, "min") {
		s = strings.TrimSuffix(s, "min") + "m"
	}
	if strings.HasSuffix(s, "d") || strings.HasSuffix(s, "w") {
		num := strings.TrimSpace(s[:len(s)-1])
		n := 1
		if num != "" {
			var err error
			if n, err = strconv.Atoi(num); err != nil {
				return 0, errors.Errorf("invalid frequency '%s'", s)
			}
		}
		unit := 24 * time.Hour
		if strings.HasSuffix(s, "w") {
			unit = 7 * 24 * time.Hour
		}
		if n <= 0 {
			return 0, errors.Errorf("invalid frequency '%s'", s)
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid frequency '%s'", s)
	}
	if d <= 0 {
		return 0, errors.Errorf("frequency must be positive, got '%s'", s)
	}
	return d, nil
}

func (o *resample) Name() string { return "resample" }

func (o *resample) apply(t *Table) (*Table, error) {
	out := &Table{cols: append([]string(nil), t.cols...)}
	for _, group := range t.seriesGroups() {
		series := t.rows[group[0]][0]
		// Rows arrive sorted by timestamp, so buckets show up in
		// ascending order.
		var bucketOrder []time.Time
		buckets := map[time.Time][]int{}
		for _, ri := range group {
			ts, ok := t.rows[ri][1].(time.Time)
			if !ok {
				return nil, errors.Errorf("row %d has no timestamp", ri)
			}
			b := ts.Truncate(o.freq)
			if _, seen := buckets[b]; !seen {
				bucketOrder = append(bucketOrder, b)
			}
			buckets[b] = append(buckets[b], ri)
		}
		for _, b := range bucketOrder {
			members := buckets[b]
			row := make([]interface{}, len(t.cols))
			row[0] = series
			row[1] = b
			for ci := 2; ci < len(t.cols); ci++ {
				row[ci] = o.aggregate(t, members, ci)
			}
			out.rows = append(out.rows, row)
			out.meta = append(out.meta, t.meta[members[0]])
			out.src = append(out.src, t.src[members[0]])
		}
	}
	return out, nil
}

func (o *resample) aggregate(t *Table, members []int, ci int) interface{} {
	numeric := t.colNumeric(ci)
	if !numeric {
		// Non-numeric columns take first within the bucket.
		for _, ri := range members {
			if t.rows[ri][ci] != nil {
				return t.rows[ri][ci]
			}
		}
		return nil
	}
	var vals []float64
	var cells []interface{}
	for _, ri := range members {
		if f, ok := cellFloat(t.rows[ri][ci]); ok {
			vals = append(vals, f)
			cells = append(cells, t.rows[ri][ci])
		}
	}
	if len(vals) == 0 {
		return nil
	}
	switch o.agg {
	case "mean":
		return mean(vals)
	case "sum":
		s := 0.0
		for _, v := range vals {
			s += v
		}
		return s
	case "min":
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case "first":
		return cells[0]
	default: // last
		return cells[len(cells)-1]
	}
}

// ---- filter_rows ----

type filterRows struct {
	column string
	cmp    string
	value  interface{}
}

func newFilterRows(p map[string]interface{}) (Op, error) {
	column, err := strParam(p, "column", "")
	if err != nil {
		return nil, err
	}
	if column == "" {
		return nil, errors.New("'column' is required")
	}
	cond, err := strParam(p, "condition", "")
	if err != nil {
		return nil, err
	}
	if cond == "" {
		return nil, errors.New("'condition' is required")
	}
	cmp, value, err := parseCondition(cond)
	if err != nil {
		return nil, err
	}
	return &filterRows{column: column, cmp: cmp, value: value}, nil
}

// parseCondition splits "<op> <literal>", e.g. "> 100" or "== 'up'".
// Malformed conditions fail the pipeline at configuration time.
func parseCondition(cond string) (string, interface{}, error) {
	cond = strings.TrimSpace(cond)
	var cmp string
	for _, c := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if strings.HasPrefix(cond, c) {
			cmp = c
			break
		}
	}
	if cmp == "" {
		return "", nil, errors.Errorf("condition '%s' must start with one of >= <= == != > <", cond)
	}
	lit := strings.TrimSpace(cond[len(cmp):])
	if lit == "" {
		return "", nil, errors.Errorf("condition '%s' is missing a value", cond)
	}
	value, err := parseLiteral(lit)
	if err != nil {
		return "", nil, err
	}
	if _, numeric := value.(float64); !numeric && (cmp != "==" && cmp != "!=") {
		if _, isStr := value.(string); !isStr {
			return "", nil, errors.Errorf("ordering comparison needs a number or string, got %v", value)
		}
	}
	return cmp, value, nil
}

func parseLiteral(lit string) (interface{}, error) {
	if len(lit) >= 2 {
		if (lit[0] == '\'' && lit[len(lit)-1] == '\'') || (lit[0] == '"' && lit[len(lit)-1] == '"') {
			return lit[1 : len(lit)-1], nil
		}
	}
	if lit == "true" || lit == "false" {
		return lit == "true", nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return f, nil
	}
	return lit, nil
}

func (o *filterRows) Name() string { return "filter_rows" }

func (o *filterRows) apply(t *Table) (*Table, error) {
	ci := t.colIndex(o.column)
	if ci < 0 {
		return nil, errors.Errorf("column '%s' not present", o.column)
	}
	t.keepRows(func(i int) bool {
		return o.match(t.rows[i][ci])
	})
	return t, nil
}

func (o *filterRows) match(cell interface{}) bool {
	if cell == nil {
		return false
	}
	if want, ok := o.value.(float64); ok {
		got, ok := cellFloat(cell)
		if !ok {
			return false
		}
		switch o.cmp {
		case ">":
			return got > want
		case "<":
			return got < want
		case ">=":
			return got >= want
		case "<=":
			return got <= want
		case "==":
			return got == want
		default:
			return got != want
		}
	}
	if want, ok := o.value.(bool); ok {
		got, ok := cell.(bool)
		if !ok {
			return false
		}
		if o.cmp == "!=" {
			return got != want
		}
		return got == want
	}
	want := o.value.(string)
	got := fmt.Sprint(cell)
	switch o.cmp {
	case ">":
		return got > want
	case "<":
		return got < want
	case ">=":
		return got >= want
	case "<=":
		return got <= want
	case "==":
		return got == want
	default:
		return got != want
	}
}

// ---- normalize_timestamps ----

type normalizeTimestamps struct{}

func newNormalizeTimestamps(p map[string]interface{}) (Op, error) {
	column, err := strParam(p, "column", ColTimestamp)
	if err != nil {
		return nil, err
	}
	if column != ColTimestamp {
		return nil, errors.Errorf("normalize_timestamps only handles the '%s' column", ColTimestamp)
	}
	return &normalizeTimestamps{}, nil
}

func (o *normalizeTimestamps) Name() string { return "normalize_timestamps" }

func (o *normalizeTimestamps) apply(t *Table) (*Table, error) {
	t.keepRows(func(i int) bool {
		ts, ok := t.rows[i][1].(time.Time)
		return ok && !ts.IsZero()
	})
	// Reorder ascending per series, series in first-seen order.
	out := &Table{cols: t.cols}
	for _, group := range t.seriesGroups() {
		for _, i := range group {
			out.rows = append(out.rows, t.rows[i])
			out.meta = append(out.meta, t.meta[i])
			out.src = append(out.src, t.src[i])
		}
	}
	return out, nil
}

// ---- rename_columns ----

type renameColumns struct {
	mapping map[string]string
}

func newRenameColumns(p map[string]interface{}) (Op, error) {
	raw, ok := p["mapping"]
	if !ok || raw == nil {
		return nil, errors.New("'mapping' is required")
	}
	mapping := map[string]string{}
	switch t := raw.(type) {
	case map[string]string:
		mapping = t
	case map[string]interface{}:
		for k, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, errors.Errorf("'mapping' values must be strings, got %T", v)
			}
			mapping[k] = s
		}
	default:
		return nil, errors.Errorf("'mapping' must be an object, got %T", raw)
	}
	if len(mapping) == 0 {
		return nil, errors.New("'mapping' must not be empty")
	}
	for from, to := range mapping {
		if reservedCol(from) || reservedCol(to) {
			return nil, errors.Errorf("cannot rename reserved column ('%s' -> '%s')", from, to)
		}
		if to == "" {
			return nil, errors.Errorf("empty target name for '%s'", from)
		}
	}
	return &renameColumns{mapping: mapping}, nil
}

func (o *renameColumns) Name() string { return "rename_columns" }

func (o *renameColumns) apply(t *Table) (*Table, error) {
	for from, to := range o.mapping {
		ci := t.colIndex(from)
		if ci < 0 {
			continue
		}
		if t.colIndex(to) >= 0 {
			return nil, errors.Errorf("renaming '%s' to '%s' collides with an existing column", from, to)
		}
		t.cols[ci] = to
	}
	return t, nil
}

// ---- drop_columns ----

type dropColumns struct {
	cols []string
}

func newDropColumns(p map[string]interface{}) (Op, error) {
	cols, err := strsParam(p, "columns")
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.New("'columns' is required")
	}
	for _, c := range cols {
		if reservedCol(c) {
			return nil, errors.Errorf("cannot drop reserved column '%s'", c)
		}
	}
	return &dropColumns{cols: cols}, nil
}

func (o *dropColumns) Name() string { return "drop_columns" }

func (o *dropColumns) apply(t *Table) (*Table, error) {
	for _, name := range o.cols {
		if ci := t.colIndex(name); ci >= 0 {
			t.dropColumn(ci)
		}
	}
	return t, nil
}

// ---- add_column ----

type addColumn struct {
	column string
	value  interface{}
}

func newAddColumn(p map[string]interface{}) (Op, error) {
	column, err := strParam(p, "column", "")
	if err != nil {
		return nil, err
	}
	if column == "" {
		return nil, errors.New("'column' is required")
	}
	if reservedCol(column) {
		return nil, errors.Errorf("cannot overwrite reserved column '%s'", column)
	}
	value, ok := p["value"]
	if !ok {
		return nil, errors.New("'value' is required")
	}
	return &addColumn{column: column, value: value}, nil
}

func (o *addColumn) Name() string { return "add_column" }

func (o *addColumn) apply(t *Table) (*Table, error) {
	ci := t.colIndex(o.column)
	if ci < 0 {
		t.cols = append(t.cols, o.column)
		for i, row := range t.rows {
			t.rows[i] = append(row, o.value)
		}
		return t, nil
	}
	for _, row := range t.rows {
		row[ci] = o.value
	}
	return t, nil
}

// ---- convert_type ----

type convertType struct {
	column string
	typ    string
}

func newConvertType(p map[string]interface{}) (Op, error) {
	column, err := strParam(p, "column", "")
	if err != nil {
		return nil, err
	}
	if column == "" {
		return nil, errors.New("'column' is required")
	}
	if reservedCol(column) {
		return nil, errors.Errorf("cannot convert reserved column '%s'", column)
	}
	typ, err := strParam(p, "dtype", "")
	if err != nil {
		return nil, err
	}
	if typ == "" {
		if typ, err = strParam(p, "type", "float"); err != nil {
			return nil, err
		}
	}
	if err := oneOf(typ, "float", "int", "string", "bool"); err != nil {
		return nil, errors.Wrap(err, "dtype")
	}
	return &convertType{column: column, typ: typ}, nil
}

func (o *convertType) Name() string { return "convert_type" }

func (o *convertType) apply(t *Table) (*Table, error) {
	ci := t.colIndex(o.column)
	if ci < 0 {
		return t, nil
	}
	for _, row := range t.rows {
		row[ci] = convertCell(row[ci], o.typ)
	}
	return t, nil
}

// convertCell coerces one cell; failures degrade to NA, matching the
// loader policy for single bad values.
func convertCell(v interface{}, typ string) interface{} {
	if v == nil {
		return nil
	}
	switch typ {
	case "float":
		if f, ok := cellFloat(v); ok {
			return f
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
		return nil
	case "int":
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return int64(f)
			}
		}
		return nil
	case "bool":
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed
			}
		}
		return nil
	default: // string
		return fmt.Sprint(v)
	}
}

// ---- clip_values ----

type clipValues struct {
	column string
	min    *float64
	max    *float64
}

func newClipValues(p map[string]interface{}) (Op, error) {
	column, err := strParam(p, "column", "")
	if err != nil {
		return nil, err
	}
	if column == "" {
		return nil, errors.New("'column' is required")
	}
	var min, max *float64
	if _, ok := p["min"]; ok {
		v, err := floatParam(p, "min", 0)
		if err != nil {
			return nil, err
		}
		min = &v
	}
	if _, ok := p["max"]; ok {
		v, err := floatParam(p, "max", 0)
		if err != nil {
			return nil, err
		}
		max = &v
	}
	if min == nil && max == nil {
		return nil, errors.New("at least one of 'min'/'max' is required")
	}
	if min != nil && max != nil && *min > *max {
		return nil, errors.New("'min' must not exceed 'max'")
	}
	return &clipValues{column: column, min: min, max: max}, nil
}

func (o *clipValues) Name() string { return "clip_values" }

func (o *clipValues) apply(t *Table) (*Table, error) {
	ci := t.colIndex(o.column)
	if ci < 0 {
		return t, nil
	}
	for _, row := range t.rows {
		f, ok := cellFloat(row[ci])
		if !ok {
			continue
		}
		if o.min != nil && f < *o.min {
			row[ci] = *o.min
		}
		if o.max != nil && f > *o.max {
			row[ci] = *o.max
		}
	}
	return t, nil
}

// ---- round_values ----

type roundValues struct {
	cols     []string
	decimals int
}

func newRoundValues(p map[string]interface{}) (Op, error) {
	cols, err := strsParam(p, "columns")
	if err != nil {
		return nil, err
	}
	decimals, err := intParam(p, "decimals", 2)
	if err != nil {
		return nil, err
	}
	if decimals < 0 {
		return nil, errors.New("'decimals' must be non-negative")
	}
	return &roundValues{cols: cols, decimals: decimals}, nil
}

func (o *roundValues) Name() string { return "round_values" }

func (o *roundValues) apply(t *Table) (*Table, error) {
	var cols []int
	if len(o.cols) == 0 {
		cols = t.numericCols()
	} else {
		for _, name := range o.cols {
			if ci := t.colIndex(name); ci >= 0 {
				cols = append(cols, ci)
			}
		}
	}
	pow := math.Pow(10, float64(o.decimals))
	for _, ci := range cols {
		for _, row := range t.rows {
			if f, ok := row[ci].(float64); ok {
				row[ci] = math.Round(f*pow) / pow
			}
		}
	}
	return t, nil
}

// ---- interpolate ----

type interpolate struct {
	cols []string
}

func newInterpolate(p map[string]interface{}) (Op, error) {
	method, err := strParam(p, "method", "linear")
	if err != nil {
		return nil, err
	}
	if method != "linear" {
		return nil, errors.Errorf("unsupported interpolation method '%s'", method)
	}
	cols, err := strsParam(p, "columns")
	if err != nil {
		return nil, err
	}
	return &interpolate{cols: cols}, nil
}

func (o *interpolate) Name() string { return "interpolate" }

func (o *interpolate) apply(t *Table) (*Table, error) {
	var cols []int
	if len(o.cols) == 0 {
		cols = t.numericCols()
	} else {
		for _, name := range o.cols {
			if ci := t.colIndex(name); ci >= 0 && t.colNumeric(ci) {
				cols = append(cols, ci)
			}
		}
	}
	for _, group := range t.seriesGroups() {
		for _, ci := range cols {
			interpolateGroup(t, group, ci)
		}
	}
	return t, nil
}

// interpolateGroup fills NA runs between two known values linearly by
// position. Leading and trailing NAs stay NA.
func interpolateGroup(t *Table, group []int, ci int) {
	lastKnown := -1
	for pos, ri := range group {
		f, ok := cellFloat(t.rows[ri][ci])
		if !ok {
			continue
		}
		if lastKnown >= 0 && pos-lastKnown > 1 {
			prev, _ := cellFloat(t.rows[group[lastKnown]][ci])
			span := float64(pos - lastKnown)
			for k := lastKnown + 1; k < pos; k++ {
				frac := float64(k-lastKnown) / span
				t.rows[group[k]][ci] = prev + frac*(f-prev)
			}
		}
		lastKnown = pos
	}
}
