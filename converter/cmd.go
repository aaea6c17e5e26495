// Package converter is the command-line front end for the conversion
// engine: it owns all file I/O and hands bytes to the core, which
// performs none of its own.
package converter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/variosync/tsconv"
	"github.com/variosync/tsconv/clean"
	"github.com/variosync/tsconv/codec"
)

// Main contains the configuration for one conversion run.
type Main struct {
	Input      string `help:"Input file path."`
	Output     string `help:"Output file path. Blank derives it from the input name and target format."`
	From       string `help:"Source format identifier. Blank autodetects from the filename and content."`
	To         string `help:"Target format identifier."`
	CleanSpec  string `help:"Path to a JSON cleaning config: a list of {operation, params} objects."`
	Series     string `help:"Series id assigned when the source format carries no series identifier."`
	Preview    bool   `help:"Print a sample of the cleaned records instead of writing output."`
	SampleSize int    `help:"Number of rows to print with -preview."`
}

// NewMain gets a new Main with the default configuration.
func NewMain() *Main {
	return &Main{
		To:         "json",
		Series:     codec.DefaultSeries,
		SampleSize: 10,
	}
}

// Run executes the conversion described by the configuration.
func (m *Main) Run() error {
	if m.Input == "" {
		return errors.New("input path is required")
	}
	data, err := os.ReadFile(m.Input)
	if err != nil {
		return errors.Wrap(err, "reading input")
	}

	reg := codec.NewRegistry(codec.WithDefaultSeries(m.Series))
	conv := tsconv.NewConverter(reg)

	var pipeline *clean.Pipeline
	if m.CleanSpec != "" {
		pipeline, err = m.loadPipeline()
		if err != nil {
			return errors.Wrap(err, "loading cleaning config")
		}
	}

	if m.Preview {
		return m.preview(reg, pipeline, data)
	}

	req := tsconv.Request{
		Data:         data,
		Filename:     filepath.Base(m.Input),
		SourceFormat: m.From,
		TargetFormat: m.To,
	}
	if pipeline != nil {
		req.Cleaner = pipeline
	}
	res, err := conv.Convert(context.Background(), req)
	if err != nil {
		return errors.Wrap(err, "converting")
	}

	out := m.Output
	if out == "" {
		out, err = deriveOutputPath(reg, m.Input, res.TargetFormat)
		if err != nil {
			return errors.Wrap(err, "deriving output path")
		}
	}
	if err := os.WriteFile(out, res.Output, 0o644); err != nil {
		return errors.Wrap(err, "writing output")
	}
	log.Printf("%s (%s) -> %s (%s): %d records in, %d out, %d values skipped, %d records dropped",
		m.Input, res.SourceFormat, out, res.TargetFormat,
		res.RecordsIn, res.RecordsOut, res.SkippedValues, res.DroppedRecords)
	return nil
}

func (m *Main) loadPipeline() (*clean.Pipeline, error) {
	raw, err := os.ReadFile(m.CleanSpec)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	var specs []clean.Spec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	return clean.NewPipeline(specs)
}

// preview loads and cleans, then prints a bounded sample instead of
// exporting.
func (m *Main) preview(reg *tsconv.Registry, pipeline *clean.Pipeline, data []byte) error {
	source := m.From
	var err error
	if source == "" {
		source, err = tsconv.Detect(reg, filepath.Base(m.Input), data)
		if err != nil {
			return errors.Wrap(err, "detecting format")
		}
	}
	c, err := reg.Lookup(source)
	if err != nil {
		return err
	}
	loaded, err := c.Loader.Load(data)
	if err != nil {
		return errors.Wrap(err, "loading")
	}
	if pipeline == nil {
		pipeline, err = clean.NewPipeline(nil)
		if err != nil {
			return err
		}
	}
	pv, err := pipeline.PreviewRows(loaded.Records, m.SampleSize)
	if err != nil {
		return errors.Wrap(err, "cleaning")
	}
	fmt.Printf("%s\n", strings.Join(pv.Columns, "\t"))
	for _, row := range pv.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		fmt.Printf("%s\n", strings.Join(cells, "\t"))
	}
	fmt.Printf("%d rows before cleaning, %d after\n", pv.RowsBefore, pv.RowsAfter)
	return nil
}

// deriveOutputPath swaps the input extension for the target format's
// canonical one.
func deriveOutputPath(reg *tsconv.Registry, input, format string) (string, error) {
	c, err := reg.Lookup(format)
	if err != nil {
		return "", err
	}
	if len(c.Descriptor.Extensions) == 0 {
		return "", errors.Errorf("format '%s' has no canonical extension, use -output", format)
	}
	base := strings.TrimSuffix(input, filepath.Ext(input))
	out := base + c.Descriptor.Extensions[0]
	if out == input {
		return "", errors.Errorf("derived output path equals input path '%s', use -output", input)
	}
	return out, nil
}
