package tsconv

import (
	"context"
)

// Stage names one step of the conversion state machine.
type Stage string

const (
	StageDetecting Stage = "detecting"
	StageLoading   Stage = "loading"
	StageCleaning  Stage = "cleaning"
	StageExporting Stage = "exporting"
)

// Cleaner applies a transformation pipeline to a record set. The
// clean package's Pipeline satisfies this; the orchestrator only needs
// the one method. The int reports rows that could no longer form a
// valid record after cleaning and were dropped.
type Cleaner interface {
	Apply(records []Record) ([]Record, int, error)
}

// Request describes one conversion. Data and Filename come from the
// caller's storage layer; the engine itself performs no I/O.
type Request struct {
	Data     []byte
	Filename string
	// SourceFormat skips detection when set.
	SourceFormat string
	TargetFormat string
	// Cleaner is optional; nil skips the cleaning stage.
	Cleaner Cleaner
}

// Result reports a finished conversion, including every skip the
// loader counted. Partial success (skipped values, dropped rows) is
// still success; an all-skipped load is not.
type Result struct {
	Output         []byte
	SourceFormat   string
	TargetFormat   string
	RecordsIn      int
	RecordsOut     int
	SkippedValues  int
	DroppedRecords int
}

// Converter wires Detect -> Load -> Clean -> Export over one registry.
// It is stateless per invocation; one Converter may serve any number
// of concurrent conversions once its registry is frozen.
type Converter struct {
	reg *Registry
}

func NewConverter(reg *Registry) *Converter {
	if !reg.Frozen() {
		reg.Freeze()
	}
	return &Converter{reg: reg}
}

// Convert runs one conversion to completion. Cancellation is
// cooperative at stage boundaries only. Any stage failure halts the
// run and is wrapped in a StageError naming the stage.
func (c *Converter) Convert(ctx context.Context, req Request) (*Result, error) {
	res := &Result{TargetFormat: req.TargetFormat}

	target, err := c.reg.Lookup(req.TargetFormat)
	if err != nil {
		return nil, &StageError{Stage: StageExporting, Err: err}
	}

	// Detecting.
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageDetecting, Err: err}
	}
	source := req.SourceFormat
	if source == "" {
		source, err = Detect(c.reg, req.Filename, req.Data)
		if err != nil {
			return nil, &StageError{Stage: StageDetecting, Err: err}
		}
	}
	res.SourceFormat = source
	codec, err := c.reg.Lookup(source)
	if err != nil {
		return nil, &StageError{Stage: StageDetecting, Err: err}
	}

	// Loading.
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageLoading, Err: err}
	}
	loaded, err := codec.Loader.Load(req.Data)
	if err != nil {
		return nil, &StageError{Stage: StageLoading, Err: err}
	}
	res.RecordsIn = len(loaded.Records)
	res.SkippedValues = loaded.SkippedValues
	res.DroppedRecords = loaded.DroppedRecords
	if len(loaded.Records) == 0 && loaded.DroppedRecords > 0 {
		// Every row was rejected; that is a decode failure, not a
		// partial success.
		return nil, &StageError{Stage: StageLoading, Err: &DecodeError{
			Format: source,
			Reason: "all records rejected",
		}}
	}

	records := loaded.Records

	// Cleaning (optional).
	if req.Cleaner != nil {
		if err := ctx.Err(); err != nil {
			return nil, &StageError{Stage: StageCleaning, Err: err}
		}
		var dropped int
		records, dropped, err = req.Cleaner.Apply(records)
		if err != nil {
			return nil, &StageError{Stage: StageCleaning, Err: err}
		}
		res.DroppedRecords += dropped
	}

	// Exporting.
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageExporting, Err: err}
	}
	if target.Descriptor.UniformSchema {
		records = Uniform(records)
	}
	out, err := target.Exporter.Export(records)
	if err != nil {
		return nil, &StageError{Stage: StageExporting, Err: err}
	}
	res.Output = out
	res.RecordsOut = len(records)
	return res, nil
}

// Uniform normalizes records to a shared measurement schema: the union
// of all keys in first-seen order, with absent keys filled as NA
// cells. Exporters of schema-uniform formats translate NA to their own
// null sentinel. Input order is preserved; the input records are not
// mutated.
func Uniform(records []Record) []Record {
	var keys []string
	seen := map[string]bool{}
	for _, r := range records {
		for _, k := range r.Measurements.Keys() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	out := make([]Record, len(records))
	for i, r := range records {
		m := NewFields()
		for _, k := range keys {
			v, ok := r.Measurements.Get(k)
			if !ok {
				v = nil
			}
			m.Set(k, v)
		}
		r.Measurements = m
		out[i] = r
	}
	return out
}
