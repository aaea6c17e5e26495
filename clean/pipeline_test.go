package clean

import (
	"testing"
	"time"

	"github.com/variosync/tsconv"
)

func TestNewPipelineFailFast(t *testing.T) {
	specs := []Spec{
		{Op: "drop_na"},
		{Op: "resample", Params: map[string]interface{}{"freq": "eventually"}},
		{Op: "drop_na"},
	}
	_, err := NewPipeline(specs)
	if err == nil {
		t.Fatal("expected config error")
	}
	ce, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if ce.Op != "resample" {
		t.Fatalf("error names op '%s', expected resample", ce.Op)
	}
}

func TestUnknownOperationRejected(t *testing.T) {
	_, err := NewPipeline([]Spec{{Op: "defragment"}})
	if err == nil {
		t.Fatal("expected config error")
	}
}

func TestEmptyPipelinePassesThrough(t *testing.T) {
	p, err := NewPipeline(nil)
	if err != nil {
		t.Fatalf("empty pipeline: %v", err)
	}
	records := []tsconv.Record{mkRecord(t, "s", t0, "v", 1.0)}
	out, dropped, err := p.Apply(records)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 1 || dropped != 0 {
		t.Fatalf("expected 1 record and 0 drops, got %d/%d", len(out), dropped)
	}
	if err := out[0].Equal(records[0]); err != nil {
		t.Fatalf("record changed: %v", err)
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	records := []tsconv.Record{
		mkRecord(t, "s", t0, "v", 50.0),
		mkRecord(t, "s", t0.Add(time.Minute), "v", 150.0),
	}
	p, err := NewPipeline([]Spec{{Op: "filter_rows", Params: map[string]interface{}{
		"column":    "v",
		"condition": "> 100",
	}}})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	pv, err := p.PreviewRows(records, 10)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.RowsBefore != 2 || pv.RowsAfter != 1 {
		t.Fatalf("counts %d/%d, expected 2/1", pv.RowsBefore, pv.RowsAfter)
	}
	if len(pv.Rows) != 1 {
		t.Fatalf("expected 1 preview row, got %d", len(pv.Rows))
	}
	// Inputs untouched.
	if len(records) != 2 {
		t.Fatalf("input slice changed: %d", len(records))
	}
	v, _ := records[0].Measurements.Get("v")
	if v.(float64) != 50.0 {
		t.Fatalf("input record mutated: %v", v)
	}
}

func TestPreviewSampleBound(t *testing.T) {
	var records []tsconv.Record
	for i := 0; i < 25; i++ {
		records = append(records, mkRecord(t, "s", t0.Add(time.Duration(i)*time.Minute), "v", float64(i)))
	}
	p, err := NewPipeline(nil)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	pv, err := p.PreviewRows(records, 10)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(pv.Rows) != 10 {
		t.Fatalf("expected 10 sample rows, got %d", len(pv.Rows))
	}
	if pv.RowsAfter != 25 {
		t.Fatalf("RowsAfter = %d, expected 25", pv.RowsAfter)
	}
}

func TestApplyCountsOrder(t *testing.T) {
	// Two ops in order: first filter, then resample. Reversing them
	// would give a different result, so the output pins the order.
	var records []tsconv.Record
	for i := 0; i < 4; i++ {
		records = append(records, mkRecord(t, "s", t0.Add(time.Duration(i)*time.Minute), "v", float64(i*100)))
	}
	p, err := NewPipeline([]Spec{
		{Op: "filter_rows", Params: map[string]interface{}{
			"column":    "v",
			"condition": "< 250",
		}},
		{Op: "resample", Params: map[string]interface{}{"freq": "1H", "agg": "sum"}},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	out, _, err := p.Apply(records)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	v, _ := out[0].Measurements.Get("v")
	if v.(float64) != 300 {
		t.Fatalf("sum = %v, expected 300 (filter must run before resample)", v)
	}
}

func TestApplyReportsDrops(t *testing.T) {
	// Dropping the only measurement column leaves rows that cannot
	// form a record; Apply must report them, not lose them.
	records := []tsconv.Record{
		mkRecord(t, "s", t0, "v", 1.0),
		mkRecord(t, "s", t0.Add(time.Minute), "v", 2.0),
	}
	p, err := NewPipeline([]Spec{{Op: "drop_columns", Params: map[string]interface{}{
		"columns": []interface{}{"v"},
	}}})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	out, dropped, err := p.Apply(records)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no surviving records, got %d", len(out))
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, expected 2", dropped)
	}
}
