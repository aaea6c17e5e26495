// Copyright 2021 Variosync Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package codec

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/variosync/tsconv"
)

func registerText(reg *tsconv.Registry, o *options) {
	jc := &jsonCodec{defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "json",
		Extensions: []string{".json"},
		MediaType:  "application/json",
	}, jc, jc)
	jlc := &jsonlCodec{defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "jsonl",
		Extensions: []string{".jsonl", ".ndjson"},
		MediaType:  "application/x-ndjson",
	}, jlc, jlc)
	cc := &delimited{format: "csv", comma: ',', defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:        "csv",
		Extensions:    []string{".csv"},
		MediaType:     "text/csv",
		UniformSchema: true,
	}, cc, cc)
	tc := &delimited{format: "txt", comma: '\t', defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:        "txt",
		Extensions:    []string{".txt", ".tsv"},
		MediaType:     "text/plain",
		UniformSchema: true,
	}, tc, tc)
}

// jsonCodec reads a JSON array of record objects or one bare object.
// It writes an array in the canonical wire shape.
type jsonCodec struct {
	defSeries string
}

func (c *jsonCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, decodeErr("json", "empty input", nil)
	}
	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, decodeErr("json", "parsing array", err)
		}
	} else {
		raws = []json.RawMessage{trimmed}
	}
	res := &tsconv.LoadResult{}
	for _, raw := range raws {
		f := tsconv.NewFields()
		if err := f.UnmarshalJSON(raw); err != nil {
			res.DroppedRecords++
			continue
		}
		rec, skipped, ok := recordFromFields(f, "json", c.defSeries)
		res.SkippedValues += skipped
		if !ok {
			res.DroppedRecords++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func (c *jsonCodec) Export(records []tsconv.Record) ([]byte, error) {
	objs := make([]*tsconv.Fields, len(records))
	for i, r := range records {
		objs[i] = wireFields(r)
	}
	out, err := json.MarshalIndent(objs, "", "  ")
	if err != nil {
		return nil, encodeErr("json", "marshaling records", err)
	}
	return append(out, '\n'), nil
}

// jsonlCodec reads and writes one record object per line.
type jsonlCodec struct {
	defSeries string
}

func (c *jsonlCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	res := &tsconv.LoadResult{}
	sawLine := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sawLine = true
		f := tsconv.NewFields()
		if err := f.UnmarshalJSON([]byte(line)); err != nil {
			res.DroppedRecords++
			continue
		}
		rec, skipped, ok := recordFromFields(f, "jsonl", c.defSeries)
		res.SkippedValues += skipped
		if !ok {
			res.DroppedRecords++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if !sawLine {
		return nil, decodeErr("jsonl", "empty input", nil)
	}
	return res, nil
}

func (c *jsonlCodec) Export(records []tsconv.Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		b, err := wireFields(r).MarshalJSON()
		if err != nil {
			return nil, encodeErr("jsonl", "marshaling record", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// delimited handles comma and tab separated text with a header row.
// Column types are decided by majority vote over the data rows; a cell
// that disagrees with its column's type degrades to NA and is counted.
type delimited struct {
	format    string
	comma     rune
	defSeries string
}

func (c *delimited) Load(data []byte) (*tsconv.LoadResult, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = c.comma
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, decodeErr(c.format, "parsing delimited text", err)
	}
	return loadTable(rows, c.format, c.defSeries)
}

// loadTable turns header-plus-rows string data into records. It backs
// the delimited text formats and the xlsx loader. Headerless input
// falls back to positional column naming.
func loadTable(rows [][]string, format, defSeries string) (*tsconv.LoadResult, error) {
	if len(rows) == 0 {
		return nil, decodeErr(format, "empty input", nil)
	}
	header := rows[0]
	data2 := rows[1:]
	if !looksLikeHeader(header) {
		header = positionalHeader(header)
		data2 = rows
	} else if len(data2) == 0 {
		return nil, decodeErr(format, "header row with no data rows", nil)
	}

	seriesCol, timeCol := -1, -1
	for i, h := range header {
		if seriesCol < 0 && matchKey(h, seriesKeys) {
			seriesCol = i
		}
		if timeCol < 0 && matchKey(h, timeKeys) {
			timeCol = i
		}
	}
	if timeCol < 0 {
		return nil, decodeErr(format, "no timestamp column in header", nil)
	}

	numeric := voteNumericColumns(data2, seriesCol, timeCol)

	res := &tsconv.LoadResult{}
	for _, row := range data2 {
		series := defSeries
		if seriesCol >= 0 && seriesCol < len(row) && strings.TrimSpace(row[seriesCol]) != "" {
			series = strings.TrimSpace(row[seriesCol])
		}
		var ts timeStamp
		if timeCol < len(row) {
			ts.val, ts.ok = parseTimestamp(row[timeCol])
		}
		if !ts.ok {
			res.DroppedRecords++
			continue
		}
		measurements := tsconv.NewFields()
		metadata := tsconv.NewFields()
		skipped := 0
		for i, h := range header {
			if i == seriesCol || i == timeCol || i >= len(row) {
				continue
			}
			var v interface{}
			if numeric[i] {
				f, ok := scalarFloat(strings.TrimSpace(row[i]))
				if !ok {
					if strings.TrimSpace(row[i]) != "" {
						skipped++
					}
					v = nil
				} else {
					v = f
				}
			} else {
				v = inferScalar(row[i])
			}
			name := strings.TrimSpace(h)
			if strings.HasPrefix(name, metaPrefix) {
				if v != nil {
					metadata.Set(strings.TrimPrefix(name, metaPrefix), v)
				}
			} else {
				measurements.Set(name, v)
			}
		}
		res.SkippedValues += skipped
		rec, err := tsconv.NewRecord(series, ts.val, measurements)
		if err != nil {
			res.DroppedRecords++
			continue
		}
		if metadata.Len() > 0 {
			rec.Metadata = metadata
		}
		rec.SourceFormat = format
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

type timeStamp struct {
	val time.Time
	ok  bool
}

func (c *delimited) Export(records []tsconv.Record) ([]byte, error) {
	measure, meta := unionKeys(records)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = c.comma

	header := []string{colSeries, colTimestamp}
	header = append(header, measure...)
	for _, k := range meta {
		header = append(header, metaPrefix+k)
	}
	if err := w.Write(header); err != nil {
		return nil, encodeErr(c.format, "writing header", err)
	}
	for _, r := range records {
		row := []string{r.SeriesID, formatTimestamp(r.Timestamp)}
		for _, k := range measure {
			v, _ := r.Measurements.Get(k)
			row = append(row, formatScalar(v))
		}
		for _, k := range meta {
			v, _ := r.Metadata.Get(k)
			row = append(row, formatScalar(v))
		}
		if err := w.Write(row); err != nil {
			return nil, encodeErr(c.format, "writing row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, encodeErr(c.format, "flushing output", err)
	}
	return buf.Bytes(), nil
}

// positionalHeader names the columns of headerless delimited data. An
// optional leading non-numeric, non-temporal column is the series id,
// the next column is the timestamp, and the rest become value_1..n.
func positionalHeader(row []string) []string {
	header := make([]string, len(row))
	if len(row) == 0 {
		return header
	}
	i := 0
	first := strings.TrimSpace(row[0])
	if _, numeric := scalarFloat(first); !numeric {
		if _, ok := parseTimestamp(first); !ok {
			header[0] = colSeries
			i = 1
		}
	}
	if i < len(header) {
		header[i] = colTimestamp
		i++
	}
	for n := 1; i < len(header); i++ {
		header[i] = fmt.Sprintf("value_%d", n)
		n++
	}
	return header
}

// looksLikeHeader is true when at least one cell contains a letter and
// no cell parses as a number.
func looksLikeHeader(row []string) bool {
	hasAlpha := false
	for _, cell := range row {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if _, ok := scalarFloat(cell); ok {
			return false
		}
		for _, r := range cell {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				hasAlpha = true
				break
			}
		}
	}
	return hasAlpha
}

// voteNumericColumns marks columns where the majority of non-empty
// cells parse as numbers.
func voteNumericColumns(rows [][]string, seriesCol, timeCol int) map[int]bool {
	numericCount := map[int]int{}
	totalCount := map[int]int{}
	for _, row := range rows {
		for i, cell := range row {
			if i == seriesCol || i == timeCol {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			totalCount[i]++
			if _, ok := scalarFloat(cell); ok {
				numericCount[i]++
			}
		}
	}
	out := map[int]bool{}
	for i, total := range totalCount {
		out[i] = numericCount[i]*2 > total
	}
	return out
}
