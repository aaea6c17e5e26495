package clean

import (
	"fmt"

	"github.com/variosync/tsconv"
)

// Spec is one user-supplied operation: a kind plus parameters. It
// mirrors the external cleaning configuration wire shape.
type Spec struct {
	Op     string                 `json:"operation"`
	Params map[string]interface{} `json:"params"`
}

// ConfigError reports an invalid operation configuration. The whole
// pipeline is rejected before anything executes.
type ConfigError struct {
	Op     string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config for operation '%s': %s", e.Op, e.Reason)
}

// ExecError reports an operation failing at apply time.
type ExecError struct {
	Op  string
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("applying operation '%s': %v", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Op is one stateless transformation over the tabular view.
type Op interface {
	Name() string
	apply(t *Table) (*Table, error)
}

// Pipeline is an ordered list of validated operations. It carries no
// other state; the same pipeline may be applied to any number of
// record sets, concurrently.
type Pipeline struct {
	ops []Op
}

// NewPipeline validates every spec before returning. The first invalid
// spec fails the whole pipeline; nothing executes.
func NewPipeline(specs []Spec) (*Pipeline, error) {
	ops := make([]Op, 0, len(specs))
	for _, s := range specs {
		op, err := buildOp(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return &Pipeline{ops: ops}, nil
}

// Ops returns the operation names in execution order.
func (p *Pipeline) Ops() []string {
	names := make([]string, len(p.ops))
	for i, op := range p.ops {
		names[i] = op.Name()
	}
	return names
}

// Apply runs the full pipeline and returns the transformed record set
// plus the number of rows that no longer formed a valid record and
// were dropped. The caller's records are not mutated.
func (p *Pipeline) Apply(records []tsconv.Record) ([]tsconv.Record, int, error) {
	t, err := p.run(records)
	if err != nil {
		return nil, 0, err
	}
	out, dropped := t.ToRecords()
	return out, dropped, nil
}

// Preview holds a bounded sample of the pipeline output plus
// before/after row counts.
type Preview struct {
	Columns    []string
	Rows       [][]interface{}
	RowsBefore int
	RowsAfter  int
}

// PreviewRows applies the full pipeline and returns at most sampleSize
// result rows without mutating the caller's records. The sample size
// is an explicit parameter; there is no process-wide setting.
func (p *Pipeline) PreviewRows(records []tsconv.Record, sampleSize int) (*Preview, error) {
	t, err := p.run(records)
	if err != nil {
		return nil, err
	}
	pv := &Preview{
		Columns:    append([]string(nil), t.Columns()...),
		RowsBefore: len(records),
		RowsAfter:  t.NumRows(),
	}
	n := t.NumRows()
	if sampleSize >= 0 && sampleSize < n {
		n = sampleSize
	}
	for i := 0; i < n; i++ {
		pv.Rows = append(pv.Rows, append([]interface{}(nil), t.Row(i)...))
	}
	return pv, nil
}

func (p *Pipeline) run(records []tsconv.Record) (*Table, error) {
	t := FromRecords(records)
	for _, op := range p.ops {
		var err error
		t, err = op.apply(t)
		if err != nil {
			if _, ok := err.(*ExecError); ok {
				return nil, err
			}
			return nil, &ExecError{Op: op.Name(), Err: err}
		}
	}
	return t, nil
}
