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
	"strings"
	"time"

	"github.com/variosync/tsconv"
)

func registerStooq(reg *tsconv.Registry) {
	// .txt is deliberately shared with the txt format so extension
	// matching stays ambiguous and detection falls through to content
	// sniffing, where the stooq header check runs first.
	reg.Register(tsconv.Descriptor{
		Format:        "stooq",
		Extensions:    []string{".txt"},
		MediaType:     "text/csv",
		UniformSchema: true,
	}, &stooqCodec{}, &stooqCodec{})
}

// stooqCodec handles the stooq.pl market data export: a CSV with
// TICKER,PER,DATE,TIME,OPEN,HIGH,LOW,CLOSE,VOL[,OPENINT] columns, with
// or without angle brackets around the header names. Dates are
// YYYYMMDD, times HHMMSS.
type stooqCodec struct{}

func (c *stooqCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, decodeErr("stooq", "parsing csv", err)
	}
	if len(rows) < 2 {
		return nil, decodeErr("stooq", "need a header row and at least one data row", nil)
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		name := strings.ToUpper(strings.Trim(strings.TrimSpace(h), "<>"))
		cols[name] = i
	}
	tickerCol, ok := cols["TICKER"]
	if !ok {
		return nil, decodeErr("stooq", "no TICKER column", nil)
	}
	dateCol, ok := cols["DATE"]
	if !ok {
		return nil, decodeErr("stooq", "no DATE column", nil)
	}

	res := &tsconv.LoadResult{}
	for _, row := range rows[1:] {
		get := func(name string) (string, bool) {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return "", false
			}
			return strings.TrimSpace(row[i]), true
		}

		ticker, _ := get("TICKER")
		if ticker == "" || tickerCol >= len(row) || dateCol >= len(row) {
			res.DroppedRecords++
			continue
		}
		dateStr, _ := get("DATE")
		timeStr, _ := get("TIME")
		ts, ok := parseStooqTime(dateStr, timeStr)
		if !ok {
			res.DroppedRecords++
			continue
		}

		measurements := tsconv.NewFields()
		skipped := 0
		for _, m := range stooqMeasurements {
			s, ok := get(m.header)
			if !ok || s == "" {
				continue
			}
			f, ok := scalarFloat(s)
			if !ok {
				skipped++
				continue
			}
			measurements.Set(m.key, f)
		}
		res.SkippedValues += skipped
		rec, err := tsconv.NewRecord(ticker, ts, measurements)
		if err != nil {
			res.DroppedRecords++
			continue
		}
		if per, ok := get("PER"); ok && per != "" {
			meta := tsconv.NewFields()
			meta.Set("period", per)
			rec.Metadata = meta
		}
		rec.SourceFormat = "stooq"
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// stooqMeasurements maps header names to canonical measurement keys,
// in output order.
var stooqMeasurements = []struct {
	header string
	key    string
}{
	{"OPEN", "open"},
	{"HIGH", "high"},
	{"LOW", "low"},
	{"CLOSE", "close"},
	{"VOL", "volume"},
	{"OPENINT", "openint"},
}

func parseStooqTime(date, clock string) (time.Time, bool) {
	if len(date) != 8 {
		return time.Time{}, false
	}
	if clock == "" {
		clock = "000000"
	}
	if len(clock) != 6 {
		return time.Time{}, false
	}
	ts, err := time.Parse("20060102150405", date+clock)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func (c *stooqCodec) Export(records []tsconv.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"<TICKER>", "<PER>", "<DATE>", "<TIME>", "<OPEN>", "<HIGH>", "<LOW>", "<CLOSE>", "<VOL>"}); err != nil {
		return nil, encodeErr("stooq", "writing header", err)
	}
	for _, r := range records {
		per := "D"
		if v, ok := r.Metadata.Get("period"); ok {
			if s, ok := v.(string); ok && s != "" {
				per = s
			}
		}
		ts := r.Timestamp.UTC()
		row := []string{
			r.SeriesID,
			per,
			ts.Format("20060102"),
			ts.Format("150405"),
			stooqCell(r, "open"),
			stooqCell(r, "high"),
			stooqCell(r, "low"),
			stooqCell(r, "close"),
			stooqCell(r, "volume", "vol"),
		}
		if err := w.Write(row); err != nil {
			return nil, encodeErr("stooq", "writing row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, encodeErr("stooq", "flushing output", err)
	}
	return buf.Bytes(), nil
}

// stooqCell looks a measurement up under any of the given names,
// case-insensitively.
func stooqCell(r tsconv.Record, names ...string) string {
	for _, k := range r.Measurements.Keys() {
		lk := strings.ToLower(k)
		for _, n := range names {
			if lk == n {
				v, _ := r.Measurements.Get(k)
				return formatScalar(v)
			}
		}
	}
	return ""
}
