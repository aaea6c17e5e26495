package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/variosync/tsconv"
)

func gzipBytes(t *testing.T, name string, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}
	return buf.Bytes()
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mkRecord(t *testing.T, series string, ts time.Time, meta map[string]string, kv ...interface{}) tsconv.Record {
	t.Helper()
	m := tsconv.NewFields()
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i].(string), kv[i+1])
	}
	rec, err := tsconv.NewRecord(series, ts, m)
	if err != nil {
		t.Fatalf("building record: %v", err)
	}
	if len(meta) > 0 {
		md := tsconv.NewFields()
		for _, k := range sortedMetaKeys(meta) {
			md.Set(k, meta[k])
		}
		rec.Metadata = md
	}
	return rec
}

func sortedMetaKeys(m map[string]string) []string {
	conv := make(map[string]interface{}, len(m))
	for k, v := range m {
		conv[k] = v
	}
	return sortedKeys(conv)
}

func baseRecords(t *testing.T) []tsconv.Record {
	t.Helper()
	return []tsconv.Record{
		mkRecord(t, "sensor-1", t0, map[string]string{"site": "lab"},
			"temp", 21.5, "count", int64(3)),
		mkRecord(t, "sensor-2", t0.Add(time.Minute), nil,
			"temp", 22.25, "count", int64(4)),
	}
}

func roundTrip(t *testing.T, format string, records []tsconv.Record) []tsconv.Record {
	t.Helper()
	reg := NewRegistry()
	c, err := reg.Lookup(format)
	if err != nil {
		t.Fatalf("lookup %s: %v", format, err)
	}
	out, err := c.Exporter.Export(records)
	if err != nil {
		t.Fatalf("exporting %s: %v", format, err)
	}
	res, err := c.Loader.Load(out)
	if err != nil {
		t.Fatalf("loading %s: %v", format, err)
	}
	if res.DroppedRecords != 0 {
		t.Fatalf("%s round trip dropped %d records", format, res.DroppedRecords)
	}
	return res.Records
}

func matchRecords(t *testing.T, format string, want, got []tsconv.Record) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: %d records in, %d out", format, len(want), len(got))
	}
	for i := range want {
		if err := want[i].Equal(got[i]); err != nil {
			t.Fatalf("%s record %d: %v", format, i, err)
		}
	}
}

func TestStructuredRoundTrips(t *testing.T) {
	records := baseRecords(t)
	for _, format := range []string{"json", "jsonl", "msgpack", "protobuf"} {
		matchRecords(t, format, records, roundTrip(t, format, records))
	}
}

func TestDelimitedRoundTrips(t *testing.T) {
	records := baseRecords(t)
	for _, format := range []string{"csv", "txt", "xlsx"} {
		matchRecords(t, format, records, roundTrip(t, format, records))
	}
}

func TestColumnarRoundTrips(t *testing.T) {
	records := baseRecords(t)
	for _, format := range []string{"avro", "feather", "arrow", "parquet"} {
		matchRecords(t, format, records, roundTrip(t, format, records))
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	records := baseRecords(t)
	matchRecords(t, "sqlite", records, roundTrip(t, "sqlite", records))
}

func TestInfluxRoundTrip(t *testing.T) {
	records := []tsconv.Record{
		mkRecord(t, "cpu", t0, map[string]string{"host": "a"},
			"load", 0.5, "procs", int64(120), "state", "ok", "up", true),
	}
	matchRecords(t, "influx-line", records, roundTrip(t, "influx-line", records))
}

func TestInfluxEscaping(t *testing.T) {
	records := []tsconv.Record{
		mkRecord(t, "cpu load", t0, map[string]string{"data center": "us,east"},
			"value", 1.0, "note", `says "hi"`),
	}
	matchRecords(t, "influx-line", records, roundTrip(t, "influx-line", records))
}

func TestOpenTSDBRoundTrip(t *testing.T) {
	records := []tsconv.Record{
		mkRecord(t, "host-1", t0, map[string]string{"rack": "r1"},
			"cpu.load", 0.75, "mem.used", 1024.0),
	}
	matchRecords(t, "opentsdb", records, roundTrip(t, "opentsdb", records))
}

func TestPrometheusRoundTrips(t *testing.T) {
	records := []tsconv.Record{
		mkRecord(t, "web-1", t0, map[string]string{"job": "api"},
			"http_requests_total", 1027.0),
		mkRecord(t, "web-2", t0, nil,
			"http_requests_total", 3.0),
	}
	for _, format := range []string{"prometheus", "prometheus-remote-write"} {
		matchRecords(t, format, records, roundTrip(t, format, records))
	}
}

func TestStooqRoundTrip(t *testing.T) {
	records := []tsconv.Record{
		mkRecord(t, "AAPL", t0, map[string]string{"period": "D"},
			"open", 170.1, "high", 172.3, "low", 169.8, "close", 171.0, "volume", 52000000.0),
	}
	matchRecords(t, "stooq", records, roundTrip(t, "stooq", records))
}

func TestStooqLoadsAngledHeader(t *testing.T) {
	data := "<TICKER>,<PER>,<DATE>,<TIME>,<OPEN>,<HIGH>,<LOW>,<CLOSE>,<VOL>\n" +
		"MSFT,D,20240301,120000,400.1,402.2,399.0,401.5,1000\n"
	reg := NewRegistry()
	c, _ := reg.Lookup("stooq")
	res, err := c.Loader.Load([]byte(data))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	r := res.Records[0]
	if r.SeriesID != "MSFT" {
		t.Fatalf("series %s", r.SeriesID)
	}
	if !r.Timestamp.Equal(t0) {
		t.Fatalf("timestamp %v", r.Timestamp)
	}
	v, _ := r.Measurements.Get("close")
	if v.(float64) != 401.5 {
		t.Fatalf("close = %v", v)
	}
}

func TestWrappedRoundTrips(t *testing.T) {
	records := baseRecords(t)
	for _, format := range []string{"gzip", "bzip2", "zstd", "zip", "tar"} {
		matchRecords(t, format, records, roundTrip(t, format, records))
	}
}

func TestCompressedPayloadRedetected(t *testing.T) {
	// Compress a csv payload; the gzip loader must re-detect it.
	reg := NewRegistry()
	csvCodec, _ := reg.Lookup("csv")
	records := baseRecords(t)
	payload, err := csvCodec.Exporter.Export(records)
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	gz, _ := reg.Lookup("gzip")
	compressed := gzipBytes(t, "data.csv", payload)
	res, err := gz.Loader.Load(compressed)
	if err != nil {
		t.Fatalf("gzip load: %v", err)
	}
	matchRecords(t, "gzip(csv)", records, res.Records)
}

func TestCSVPartialFailureCounts(t *testing.T) {
	data := "series_id,timestamp,value\n"
	for i := 0; i < 9; i++ {
		data += "s,2024-03-01T12:0" + string(rune('0'+i)) + ":00Z,1.5\n"
	}
	data += "s,2024-03-01T12:09:00Z,oops\n"
	reg := NewRegistry()
	c, _ := reg.Lookup("csv")
	res, err := c.Loader.Load([]byte(data))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(res.Records))
	}
	if res.SkippedValues != 1 {
		t.Fatalf("expected 1 skipped value, got %d", res.SkippedValues)
	}
	// The damaged record survives with the value absent.
	last := res.Records[9]
	if v, ok := last.Measurements.Get("value"); !ok || v != nil {
		t.Fatalf("damaged cell = %v (present %v), expected NA", v, ok)
	}
}

func TestJSONLoaderAcceptsFlatAndWireShapes(t *testing.T) {
	data := `[
  {"series_id": "s1", "timestamp": "2024-03-01T12:00:00Z", "measurements": {"temp": 20.5}, "metadata": {"site": "lab"}},
  {"series": "s2", "time": 1709294460, "temp": 21.5}
]`
	reg := NewRegistry()
	c, _ := reg.Lookup("json")
	res, err := c.Loader.Load([]byte(data))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].SeriesID != "s1" || res.Records[1].SeriesID != "s2" {
		t.Fatalf("series ids %s, %s", res.Records[0].SeriesID, res.Records[1].SeriesID)
	}
	site, _ := res.Records[0].Metadata.Get("site")
	if site != "lab" {
		t.Fatalf("metadata site = %v", site)
	}
	if !res.Records[1].Timestamp.Equal(time.Unix(1709294460, 0)) {
		t.Fatalf("epoch timestamp parsed as %v", res.Records[1].Timestamp)
	}
}

func TestDetectionOverBuiltinRegistry(t *testing.T) {
	reg := NewRegistry()
	records := baseRecords(t)

	// Every registered format with a canonical extension detects from
	// a filename alone, except the deliberately shared .txt.
	for _, d := range reg.Formats() {
		if len(d.Extensions) == 0 || d.Format == "stooq" || d.Format == "txt" {
			continue
		}
		got, err := tsconv.Detect(reg, "file"+d.Extensions[0], nil)
		if err != nil {
			t.Fatalf("detecting %s by extension: %v", d.Format, err)
		}
		if got != d.Format {
			t.Fatalf("%s detected as %s", d.Format, got)
		}
	}

	// Binary formats detect from magic without a filename.
	for _, format := range []string{"gzip", "zstd", "avro", "parquet", "feather", "sqlite", "zip"} {
		c, _ := reg.Lookup(format)
		out, err := c.Exporter.Export(records)
		if err != nil {
			t.Fatalf("exporting %s: %v", format, err)
		}
		got, err := tsconv.Detect(reg, "", out)
		if err != nil {
			t.Fatalf("detecting %s by magic: %v", format, err)
		}
		if got != format {
			t.Fatalf("%s content detected as %s", format, got)
		}
	}
}

func TestParseTimestampUnits(t *testing.T) {
	sec := t0.Unix()
	for _, v := range []interface{}{
		sec,
		sec * 1000,
		sec * 1000 * 1000,
		sec * 1000 * 1000 * 1000,
		"2024-03-01T12:00:00Z",
		"2024-03-01 12:00:00",
	} {
		got, ok := parseTimestamp(v)
		if !ok {
			t.Fatalf("parsing %v failed", v)
		}
		if !got.Equal(t0) {
			t.Fatalf("parsing %v gave %v, expected %v", v, got, t0)
		}
	}
	if _, ok := parseTimestamp("whenever"); ok {
		t.Fatal("nonsense timestamp accepted")
	}
}

func TestCSVExportHeaderUnion(t *testing.T) {
	records := []tsconv.Record{
		mkRecord(t, "a", t0, nil, "temp", 1.0),
		mkRecord(t, "b", t0, nil, "humidity", 2.0),
	}
	reg := NewRegistry()
	c, _ := reg.Lookup("csv")
	out, err := c.Exporter.Export(records)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	header := strings.SplitN(string(out), "\n", 2)[0]
	if !strings.Contains(header, "temp") || !strings.Contains(header, "humidity") {
		t.Fatalf("header missing union columns: %s", header)
	}
}

func TestHeaderlessCSVPositional(t *testing.T) {
	// No header row: leading string column is the series id, next is
	// the timestamp, the rest get positional names.
	csvData := "sensor-1,2024-03-01T12:00:00Z,21.5,0.4\n" +
		"sensor-1,2024-03-01T12:01:00Z,22.0,0.5\n"
	reg := NewRegistry()
	c, _ := reg.Lookup("csv")
	res, err := c.Loader.Load([]byte(csvData))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	rec := res.Records[0]
	if rec.SeriesID != "sensor-1" {
		t.Fatalf("series %s, expected sensor-1", rec.SeriesID)
	}
	if v, _ := rec.Measurements.Get("value_1"); v != 21.5 {
		t.Fatalf("value_1 = %v, expected 21.5", v)
	}
	if v, _ := rec.Measurements.Get("value_2"); v != 0.4 {
		t.Fatalf("value_2 = %v, expected 0.4", v)
	}

	// Without a leading string column the first column is the
	// timestamp and the series id falls back to the default.
	epochData := "1709294400,21.5\n1709294460,22.0\n"
	res, err = c.Loader.Load([]byte(epochData))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].SeriesID != DefaultSeries {
		t.Fatalf("series %s, expected %s", res.Records[0].SeriesID, DefaultSeries)
	}
	if !res.Records[0].Timestamp.Equal(t0) {
		t.Fatalf("timestamp %v, expected %v", res.Records[0].Timestamp, t0)
	}
}

func TestWithDefaultSeries(t *testing.T) {
	reg := NewRegistry(WithDefaultSeries("plant-7"))
	c, _ := reg.Lookup("jsonl")
	res, err := c.Loader.Load([]byte(`{"timestamp":1709294400,"temp":20.5}` + "\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	if res.Records[0].SeriesID != "plant-7" {
		t.Fatalf("series %s, expected plant-7", res.Records[0].SeriesID)
	}
}
