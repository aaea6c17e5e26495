package tsconv

import (
	"encoding/json"
	"testing"
	"time"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func measurements(kv ...interface{}) *Fields {
	f := NewFields()
	for i := 0; i < len(kv); i += 2 {
		f.Set(kv[i].(string), kv[i+1])
	}
	return f
}

func TestNewRecordValidation(t *testing.T) {
	m := measurements("v", 1.0)
	if _, err := NewRecord("", testTime, m); err == nil {
		t.Fatal("expected error for empty series id")
	}
	if _, err := NewRecord("s", time.Time{}, m); err == nil {
		t.Fatal("expected error for zero timestamp")
	}
	if _, err := NewRecord("s", testTime, NewFields()); err == nil {
		t.Fatal("expected error for no measurements")
	}
	rec, err := NewRecord("s", testTime, m)
	if err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Fatal("timestamp not normalized to UTC")
	}

	loc := time.FixedZone("plus2", 2*3600)
	rec2, err := NewRecord("s", testTime.In(loc), m)
	if err != nil {
		t.Fatalf("zoned record rejected: %v", err)
	}
	if !rec2.Timestamp.Equal(rec.Timestamp) {
		t.Fatal("UTC normalization changed the instant")
	}
}

func TestInvalidRecordErrorType(t *testing.T) {
	_, err := NewRecord("", testTime, measurements("v", 1.0))
	if _, ok := err.(*InvalidRecordError); !ok {
		t.Fatalf("expected *InvalidRecordError, got %T", err)
	}
}

func TestRecordLess(t *testing.T) {
	a, _ := NewRecord("a", testTime, measurements("v", 1.0))
	b, _ := NewRecord("b", testTime, measurements("v", 1.0))
	a2, _ := NewRecord("a", testTime.Add(time.Minute), measurements("v", 1.0))
	if !a.Less(b) {
		t.Fatal("series ordering broken")
	}
	if !a.Less(a2) {
		t.Fatal("timestamp ordering broken")
	}
	if a2.Less(a) {
		t.Fatal("ordering not antisymmetric")
	}
}

func TestRecordEqualTolerance(t *testing.T) {
	a, _ := NewRecord("s", testTime, measurements("v", 1.0))
	b, _ := NewRecord("s", testTime, measurements("v", 1.0+1e-12))
	if err := a.Equal(b); err != nil {
		t.Fatalf("tolerance comparison failed: %v", err)
	}
	c, _ := NewRecord("s", testTime, measurements("v", 1.1))
	if err := a.Equal(c); err == nil {
		t.Fatal("expected inequality")
	}
}

func TestFieldsOrderPreserved(t *testing.T) {
	f := NewFields()
	keys := []string{"zeta", "alpha", "mid"}
	for i, k := range keys {
		f.Set(k, int64(i))
	}
	got := f.Keys()
	for i, k := range keys {
		if got[i] != k {
			t.Fatalf("key order changed: %v", got)
		}
	}
	f.Set("alpha", int64(9)) // update must not reorder
	got = f.Keys()
	if got[1] != "alpha" {
		t.Fatalf("update reordered keys: %v", got)
	}
	f.Delete("zeta")
	if f.Len() != 2 || f.Keys()[0] != "alpha" {
		t.Fatalf("delete broke ordering: %v", f.Keys())
	}
}

func TestFieldsJSONRoundTrip(t *testing.T) {
	f := NewFields()
	f.Set("b", 2.5)
	f.Set("a", int64(1))
	f.Set("s", "text")
	f.Set("t", true)
	f.Set("n", nil)

	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := NewFields()
	if err := json.Unmarshal(b, got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := fieldsEqual(f, got); err != nil {
		t.Fatalf("round trip changed fields: %v", err)
	}
	// Order survives too.
	for i, k := range f.Keys() {
		if got.Keys()[i] != k {
			t.Fatalf("round trip reordered keys: %v vs %v", f.Keys(), got.Keys())
		}
	}
}

func TestFieldsNestedUnmarshal(t *testing.T) {
	f := NewFields()
	if err := json.Unmarshal([]byte(`{"outer": {"inner": 3}}`), f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, _ := f.Get("outer")
	nested, ok := v.(*Fields)
	if !ok {
		t.Fatalf("nested object decoded as %T", v)
	}
	iv, _ := nested.Get("inner")
	if iv.(int64) != 3 {
		t.Fatalf("nested value = %v", iv)
	}
}

func TestCoerceScalar(t *testing.T) {
	for _, tc := range []struct {
		in   interface{}
		want interface{}
	}{
		{int(7), int64(7)},
		{uint32(7), int64(7)},
		{float32(1.5), float64(1.5)},
		{[]byte("x"), "x"},
		{nil, nil},
		{true, true},
	} {
		got, err := CoerceScalar(tc.in)
		if err != nil {
			t.Fatalf("coercing %v: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("coerced %v to %v, expected %v", tc.in, got, tc.want)
		}
	}
	if _, err := CoerceScalar(struct{}{}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestFieldsClone(t *testing.T) {
	f := measurements("a", int64(1))
	c := f.Clone()
	c.Set("a", int64(2))
	v, _ := f.Get("a")
	if v.(int64) != 1 {
		t.Fatal("clone shares storage with original")
	}
}
