package tsconv

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// floatTol is the relative tolerance used when comparing float
// measurements for equality. Round trips through text formats may lose
// a ulp or two.
const floatTol = 1e-9

// Record is one canonical time-series observation. Records are built by
// Loaders (from external bytes) or by the cleaning pipeline; nothing
// else should construct them without going through NewRecord.
type Record struct {
	SeriesID     string
	Timestamp    time.Time
	Measurements *Fields
	Metadata     *Fields
	SourceFormat string
}

// NewRecord validates and builds a Record. The timestamp is normalized
// to UTC. A record with an empty series id, a zero timestamp, or no
// measurements is invalid.
func NewRecord(seriesID string, ts time.Time, measurements *Fields) (Record, error) {
	if seriesID == "" {
		return Record{}, &InvalidRecordError{Reason: "empty series id"}
	}
	if ts.IsZero() {
		return Record{}, &InvalidRecordError{Reason: "zero timestamp"}
	}
	if measurements == nil || measurements.Len() == 0 {
		return Record{}, &InvalidRecordError{Reason: "no measurements"}
	}
	return Record{
		SeriesID:     seriesID,
		Timestamp:    ts.UTC(),
		Measurements: measurements,
	}, nil
}

// Less orders records by (series id, timestamp).
func (r Record) Less(o Record) bool {
	if r.SeriesID != o.SeriesID {
		return r.SeriesID < o.SeriesID
	}
	return r.Timestamp.Before(o.Timestamp)
}

// Equal returns nil if the two records carry the same series id,
// timestamp, measurements and metadata. Floats are compared with a
// relative tolerance. The returned error describes the first mismatch.
func (r Record) Equal(o Record) error {
	if r.SeriesID != o.SeriesID {
		return errors.Errorf("series id '%v' != '%v'", r.SeriesID, o.SeriesID)
	}
	if !r.Timestamp.Equal(o.Timestamp) {
		return errors.Errorf("timestamp %v != %v", r.Timestamp, o.Timestamp)
	}
	if err := fieldsEqual(r.Measurements, o.Measurements); err != nil {
		return errors.Wrap(err, "measurements")
	}
	if err := fieldsEqual(r.Metadata, o.Metadata); err != nil {
		return errors.Wrap(err, "metadata")
	}
	return nil
}

func fieldsEqual(f, f2 *Fields) error {
	if f.Len() != f2.Len() {
		return errors.Errorf("different lengths, %d and %d", f.Len(), f2.Len())
	}
	for _, k := range f.Keys() {
		v, _ := f.Get(k)
		v2, ok := f2.Get(k)
		if !ok {
			return errors.Errorf("no value at '%v'", k)
		}
		if !scalarEqual(v, v2) {
			return errors.Errorf("'%v' and '%v' not equal at '%v'", v, v2, k)
		}
	}
	return nil
}

func scalarEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	af, aok := scalarFloat(a)
	bf, bok := scalarFloat(b)
	if aok && bok {
		diff := math.Abs(af - bf)
		scale := math.Max(1, math.Max(math.Abs(af), math.Abs(bf)))
		return diff <= floatTol*scale
	}
	return a == b
}

func scalarFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// Fields is an insertion-ordered mapping from string keys to scalar
// values (float64, int64, string, bool). A nil value marks a cell that
// is present but NA; the cleaning pipeline and schema-uniform exporters
// rely on that.
type Fields struct {
	keys []string
	vals map[string]interface{}
}

func NewFields() *Fields {
	return &Fields{vals: make(map[string]interface{})}
}

// Set adds or replaces a value. Insertion order of new keys is
// preserved.
func (f *Fields) Set(key string, val interface{}) {
	if _, ok := f.vals[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.vals[key] = val
}

func (f *Fields) Get(key string) (interface{}, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.vals[key]
	return v, ok
}

func (f *Fields) Delete(key string) {
	if f == nil {
		return
	}
	if _, ok := f.vals[key]; !ok {
		return
	}
	delete(f.vals, key)
	for i, k := range f.keys {
		if k == key {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The slice is shared; don't
// modify it.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	return f.keys
}

func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

func (f *Fields) Clone() *Fields {
	if f == nil {
		return nil
	}
	c := &Fields{
		keys: append([]string(nil), f.keys...),
		vals: make(map[string]interface{}, len(f.vals)),
	}
	for k, v := range f.vals {
		c.vals[k] = v
	}
	return c
}

// MarshalJSON emits the fields as a JSON object in insertion order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling key '%v'", k)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(f.vals[k])
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling value at '%v'", k)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order. Nested
// objects become *Fields values; loaders decide whether those are
// legal where they appear.
func (f *Fields) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return f.decodeObject(dec)
}

func (f *Fields) decodeObject(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, "reading object open")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.Errorf("expected object, got %v", tok)
	}
	if f.vals == nil {
		f.vals = make(map[string]interface{})
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return errors.Wrap(err, "reading key")
		}
		key, ok := keyTok.(string)
		if !ok {
			return errors.Errorf("expected string key, got %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return errors.Wrapf(err, "decoding value at '%v'", key)
		}
		f.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return errors.Wrap(err, "reading object close")
	}
	return nil
}

func decodeValue(dec *json.Decoder) (interface{}, error) {
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		nested := NewFields()
		if err := nested.UnmarshalJSON(trimmed); err != nil {
			return nil, err
		}
		return nested, nil
	}
	sub := json.NewDecoder(bytes.NewReader(trimmed))
	sub.UseNumber()
	var v interface{}
	if err := sub.Decode(&v); err != nil {
		return nil, err
	}
	if n, ok := v.(json.Number); ok {
		return numberScalar(n), nil
	}
	return v, nil
}

func numberScalar(n json.Number) interface{} {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	}
	fv, err := n.Float64()
	if err != nil {
		return s
	}
	return fv
}

// CoerceScalar normalizes a dynamically-typed value to the engine's
// scalar set: float64, int64, string, bool, or nil for NA. Anything
// else is an error.
func CoerceScalar(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64, int64, string, bool:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case []byte:
		return string(t), nil
	case json.Number:
		return numberScalar(t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return nil, errors.Errorf("unsupported scalar type %T", v)
}
