package codec

import (
	"context"
	"strings"
	"testing"

	"github.com/variosync/tsconv"
	"github.com/variosync/tsconv/clean"
)

func testConverter() *tsconv.Converter {
	return tsconv.NewConverter(NewRegistry())
}

func TestConvertEndToEnd(t *testing.T) {
	csvData := "series_id,timestamp,temp\n" +
		"s1,2024-03-01T12:00:00Z,21.5\n" +
		"s1,2024-03-01T12:01:00Z,22.0\n"
	res, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte(csvData),
		Filename:     "input.csv",
		TargetFormat: "jsonl",
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.SourceFormat != "csv" {
		t.Fatalf("source detected as %s", res.SourceFormat)
	}
	if res.RecordsIn != 2 || res.RecordsOut != 2 {
		t.Fatalf("counts in=%d out=%d", res.RecordsIn, res.RecordsOut)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Output)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"series_id":"s1"`) {
		t.Fatalf("unexpected output line: %s", lines[0])
	}
}

func TestConvertWithCleaning(t *testing.T) {
	csvData := "series_id,timestamp,temp\n" +
		"s1,2024-03-01T12:00:00Z,10\n" +
		"s1,2024-03-01T12:01:00Z,12\n" +
		"s1,2024-03-01T12:02:00Z,11\n" +
		"s1,2024-03-01T12:03:00Z,13\n" +
		"s1,2024-03-01T12:04:00Z,1000\n"
	pipeline, err := clean.NewPipeline([]clean.Spec{
		{Op: "remove_outliers", Params: map[string]interface{}{"method": "iqr"}},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	res, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte(csvData),
		Filename:     "input.csv",
		TargetFormat: "json",
		Cleaner:      pipeline,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.RecordsIn != 5 || res.RecordsOut != 4 {
		t.Fatalf("counts in=%d out=%d, expected 5/4", res.RecordsIn, res.RecordsOut)
	}
	if strings.Contains(string(res.Output), "1000") {
		t.Fatal("outlier present in output")
	}
}

func TestConvertExplicitSourceSkipsDetection(t *testing.T) {
	// Stooq content under a name detection would read as csv.
	data := "TICKER,PER,DATE,TIME,OPEN,HIGH,LOW,CLOSE,VOL\n" +
		"AAPL,D,20240301,120000,1,2,0.5,1.5,100\n"
	res, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte(data),
		Filename:     "quotes.csv",
		SourceFormat: "stooq",
		TargetFormat: "json",
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.SourceFormat != "stooq" {
		t.Fatalf("source %s, expected stooq", res.SourceFormat)
	}
	if !strings.Contains(string(res.Output), `"series_id": "AAPL"`) &&
		!strings.Contains(string(res.Output), `"series_id":"AAPL"`) {
		t.Fatalf("ticker missing from output: %s", res.Output)
	}
}

func TestConvertAllRejectedIsLoadFailure(t *testing.T) {
	csvData := "series_id,timestamp,temp\n" +
		"s1,not-a-time,21.5\n" +
		"s1,also-not,22.0\n"
	_, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte(csvData),
		Filename:     "input.csv",
		TargetFormat: "json",
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	se, ok := err.(*tsconv.StageError)
	if !ok {
		t.Fatalf("expected *StageError, got %T", err)
	}
	if se.Stage != tsconv.StageLoading {
		t.Fatalf("failed in stage %s, expected loading", se.Stage)
	}
}

func TestConvertUnknownTargetFailsEarly(t *testing.T) {
	_, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte("{}"),
		TargetFormat: "hologram",
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	se, ok := err.(*tsconv.StageError)
	if !ok {
		t.Fatalf("expected *StageError, got %T", err)
	}
	if se.Stage != tsconv.StageExporting {
		t.Fatalf("failed in stage %s", se.Stage)
	}
}

func TestConvertCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testConverter().Convert(ctx, tsconv.Request{
		Data:         []byte(`[{"series_id":"s","timestamp":1709294400,"v":1}]`),
		Filename:     "x.json",
		TargetFormat: "csv",
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if _, ok := err.(*tsconv.StageError); !ok {
		t.Fatalf("expected *StageError, got %T", err)
	}
}

func TestConvertUniformSchemaFillsUnion(t *testing.T) {
	jsonl := `{"series_id":"a","timestamp":1709294400,"temp":20.5}` + "\n" +
		`{"series_id":"b","timestamp":1709294460,"humidity":0.4}` + "\n"
	res, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte(jsonl),
		Filename:     "in.jsonl",
		TargetFormat: "csv",
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Output)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	header := lines[0]
	if !strings.Contains(header, "temp") || !strings.Contains(header, "humidity") {
		t.Fatalf("header missing union columns: %s", header)
	}
	// Both rows carry both columns; the missing one is empty, not
	// absent.
	wantCols := len(strings.Split(header, ","))
	for _, line := range lines[1:] {
		if got := len(strings.Split(line, ",")); got != wantCols {
			t.Fatalf("row has %d columns, header has %d: %s", got, wantCols, line)
		}
	}
}

func TestConvertUniformSchemaColumnarNulls(t *testing.T) {
	// The union fill reaches binary columnar targets too: the absent
	// key comes back as a null cell, not a missing column.
	jsonl := `{"series_id":"a","timestamp":1709294400,"temp":20.5}` + "\n" +
		`{"series_id":"b","timestamp":1709294460,"humidity":0.4}` + "\n"
	for _, target := range []string{"feather", "parquet"} {
		res, err := testConverter().Convert(context.Background(), tsconv.Request{
			Data:         []byte(jsonl),
			Filename:     "in.jsonl",
			TargetFormat: target,
		})
		if err != nil {
			t.Fatalf("convert to %s: %v", target, err)
		}
		c, err := NewRegistry().Lookup(target)
		if err != nil {
			t.Fatalf("lookup %s: %v", target, err)
		}
		loaded, err := c.Loader.Load(res.Output)
		if err != nil {
			t.Fatalf("reloading %s: %v", target, err)
		}
		if len(loaded.Records) != 2 {
			t.Fatalf("%s: expected 2 records, got %d", target, len(loaded.Records))
		}
		for _, rec := range loaded.Records {
			if rec.Measurements.Len() != 2 {
				t.Fatalf("%s: record %s has %d measurements, expected the full union",
					target, rec.SeriesID, rec.Measurements.Len())
			}
		}
		a := loaded.Records[0]
		if v, _ := a.Measurements.Get("temp"); v != 20.5 {
			t.Fatalf("%s: temp = %v, expected 20.5", target, v)
		}
		if v, _ := a.Measurements.Get("humidity"); v != nil {
			t.Fatalf("%s: humidity = %v, expected a null cell", target, v)
		}
	}
}

func TestConvertCountsCleaningDrops(t *testing.T) {
	csvData := "series_id,timestamp,temp\n" +
		"s1,2024-03-01T12:00:00Z,21.5\n" +
		"s1,2024-03-01T12:01:00Z,22.0\n"
	pipeline, err := clean.NewPipeline([]clean.Spec{
		{Op: "drop_columns", Params: map[string]interface{}{"columns": []interface{}{"temp"}}},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	res, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte(csvData),
		Filename:     "input.csv",
		TargetFormat: "json",
		Cleaner:      pipeline,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.RecordsOut != 0 {
		t.Fatalf("RecordsOut = %d, expected 0", res.RecordsOut)
	}
	if res.DroppedRecords != 2 {
		t.Fatalf("DroppedRecords = %d, expected both cleaning drops counted", res.DroppedRecords)
	}
}

func TestConvertPreservesSkipCounts(t *testing.T) {
	csvData := "series_id,timestamp,temp\n" +
		"s1,2024-03-01T12:00:00Z,21.5\n" +
		"s1,2024-03-01T12:01:00Z,22.0\n" +
		"s1,2024-03-01T12:02:00Z,broken\n"
	res, err := testConverter().Convert(context.Background(), tsconv.Request{
		Data:         []byte(csvData),
		Filename:     "input.csv",
		TargetFormat: "json",
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.SkippedValues != 1 {
		t.Fatalf("SkippedValues = %d, expected 1", res.SkippedValues)
	}
	if res.RecordsIn != 3 {
		t.Fatalf("RecordsIn = %d, expected 3", res.RecordsIn)
	}
}
