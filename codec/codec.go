// Package codec implements the format loaders and exporters and wires
// them into a registry. Every codec maps between raw bytes and the
// canonical record set; none of them touch the filesystem, with the one
// exception of the sqlite codec which needs a file-backed database
// handle.
package codec

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/variosync/tsconv"
)

// Option adjusts registry construction.
type Option func(*options)

type options struct {
	defaultSeries string
}

// WithDefaultSeries sets the series id assigned to records whose
// source format carries no series identifier of its own.
func WithDefaultSeries(id string) Option {
	return func(o *options) { o.defaultSeries = id }
}

// NewRegistry builds a registry holding every built-in codec and
// freezes it. Call once at process start.
func NewRegistry(opts ...Option) *tsconv.Registry {
	o := &options{defaultSeries: DefaultSeries}
	for _, fn := range opts {
		fn(o)
	}
	reg := tsconv.NewRegistry()
	registerText(reg, o)
	registerStooq(reg)
	registerTSDB(reg, o)
	registerBinary(reg, o)
	registerColumnar(reg, o)
	registerXLSX(reg, o)
	registerSQLite(reg, o)
	registerCompression(reg)
	registerArchive(reg)
	return reg.Freeze()
}

// DefaultSeries names records whose source carries no series
// identifier of its own, unless WithDefaultSeries overrides it.
const DefaultSeries = "default"

// timeLayouts are tried in order when parsing a textual timestamp.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"20060102",
}

// parseTimestamp coerces a scalar into a UTC timestamp. Numeric values
// are treated as unix epochs; magnitude decides the unit (seconds,
// milliseconds, microseconds, nanoseconds).
func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(f), true
		}
		return time.Time{}, false
	case int64:
		return epochToTime(float64(t)), true
	case float64:
		return epochToTime(t), true
	}
	return time.Time{}, false
}

func epochToTime(v float64) time.Time {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < 1e11: // seconds, fractional allowed
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	case abs < 1e14: // milliseconds
		return time.Unix(0, int64(v)*int64(time.Millisecond)).UTC()
	case abs < 1e17: // microseconds
		return time.Unix(0, int64(v)*int64(time.Microsecond)).UTC()
	default: // nanoseconds
		return time.Unix(0, int64(v)).UTC()
	}
}

// formatTimestamp renders the canonical textual timestamp.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Column name conventions for flat tabular formats. Measurements keep
// their own names; metadata columns get a prefix so a round trip can
// put them back where they came from.
const (
	colSeries    = "series_id"
	colTimestamp = "timestamp"
	metaPrefix   = "metadata_"
)

// seriesKeys and timeKeys are the header spellings flat formats accept
// for the two reserved columns.
var (
	seriesKeys = []string{"series_id", "series", "ticker", "symbol", "name"}
	timeKeys   = []string{"timestamp", "time", "date", "datetime", "ts"}
)

func matchKey(key string, candidates []string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, c := range candidates {
		if k == c {
			return true
		}
	}
	return false
}

// recordFromFields builds a record from a decoded object. It accepts
// both the canonical wire shape (nested measurements/metadata objects)
// and flat objects where every non-reserved key is a measurement.
// Returns the record, the number of skipped values, and whether the
// object could form a record at all.
func recordFromFields(f *tsconv.Fields, format, defaultSeries string) (tsconv.Record, int, bool) {
	skipped := 0
	series := defaultSeries
	var ts time.Time
	var tsOK bool
	measurements := tsconv.NewFields()
	metadata := tsconv.NewFields()

	for _, k := range f.Keys() {
		v, _ := f.Get(k)
		switch {
		case matchKey(k, seriesKeys):
			if s, ok := v.(string); ok && s != "" {
				series = s
			} else if v != nil {
				skipped++
			}
		case matchKey(k, timeKeys):
			if t, ok := parseTimestamp(v); ok {
				ts, tsOK = t, true
			} else {
				skipped++
			}
		case k == "measurements":
			nested, ok := v.(*tsconv.Fields)
			if !ok {
				skipped++
				continue
			}
			for _, mk := range nested.Keys() {
				mv, _ := nested.Get(mk)
				s, sk := addScalar(measurements, mk, mv)
				if !s {
					skipped += sk
				}
			}
		case k == "metadata":
			nested, ok := v.(*tsconv.Fields)
			if !ok {
				skipped++
				continue
			}
			for _, mk := range nested.Keys() {
				mv, _ := nested.Get(mk)
				s, sk := addScalar(metadata, mk, mv)
				if !s {
					skipped += sk
				}
			}
		case k == "source_format":
			// Provenance from a previous conversion; informational.
		case strings.HasPrefix(k, metaPrefix):
			s, sk := addScalar(metadata, strings.TrimPrefix(k, metaPrefix), v)
			if !s {
				skipped += sk
			}
		default:
			s, sk := addScalar(measurements, k, v)
			if !s {
				skipped += sk
			}
		}
	}

	if !tsOK || measurements.Len() == 0 {
		return tsconv.Record{}, skipped, false
	}
	rec, err := tsconv.NewRecord(series, ts, measurements)
	if err != nil {
		return tsconv.Record{}, skipped, false
	}
	if metadata.Len() > 0 {
		rec.Metadata = metadata
	}
	rec.SourceFormat = format
	return rec, skipped, true
}

// addScalar coerces and sets one value, reporting (ok, skipped).
func addScalar(f *tsconv.Fields, key string, v interface{}) (bool, int) {
	cv, err := tsconv.CoerceScalar(v)
	if err != nil {
		return false, 1
	}
	f.Set(key, cv)
	return true, 0
}

// wireFields renders a record in the canonical wire shape used by the
// structured formats (json, jsonl, msgpack).
func wireFields(r tsconv.Record) *tsconv.Fields {
	f := tsconv.NewFields()
	f.Set(colSeries, r.SeriesID)
	f.Set(colTimestamp, formatTimestamp(r.Timestamp))
	f.Set("measurements", r.Measurements)
	if r.Metadata.Len() > 0 {
		f.Set("metadata", r.Metadata)
	}
	if r.SourceFormat != "" {
		f.Set("source_format", r.SourceFormat)
	}
	return f
}

// unionKeys returns the union of measurement keys across records in
// first-seen order, and separately the union of metadata keys.
func unionKeys(records []tsconv.Record) (measure, meta []string) {
	seenM := map[string]bool{}
	seenD := map[string]bool{}
	for _, r := range records {
		for _, k := range r.Measurements.Keys() {
			if !seenM[k] {
				seenM[k] = true
				measure = append(measure, k)
			}
		}
		for _, k := range r.Metadata.Keys() {
			if !seenD[k] {
				seenD[k] = true
				meta = append(meta, k)
			}
		}
	}
	return measure, meta
}

// inferScalar parses a delimited-text cell into the narrowest scalar.
// Empty cells are NA.
func inferScalar(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "na") || strings.EqualFold(s, "nan") {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}

// formatScalar renders a scalar for delimited text. NA renders empty.
func formatScalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	return ""
}

// scalarFloat coerces a numeric scalar; strings are parsed.
func scalarFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// sortedKeys returns map keys sorted, for deterministic iteration over
// decoded maps.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// decodeErr builds a DecodeError for a format.
func decodeErr(format, reason string, err error) error {
	return &tsconv.DecodeError{Format: format, Reason: reason, Err: err}
}

// encodeErr builds an EncodeError for a format.
func encodeErr(format, reason string, err error) error {
	return &tsconv.EncodeError{Format: format, Reason: reason, Err: err}
}
