package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/variosync/tsconv"
)

func registerTSDB(reg *tsconv.Registry, o *options) {
	oc := &opentsdbCodec{defSeries: o.defaultSeries}
	pc := &promCodec{defSeries: o.defaultSeries}
	rw := &remoteWriteCodec{defSeries: o.defaultSeries}
	reg.Register(tsconv.Descriptor{
		Format:     "influx-line",
		Extensions: []string{".lp", ".influx"},
		MediaType:  "text/plain",
	}, &influxCodec{}, &influxCodec{})
	reg.Register(tsconv.Descriptor{
		Format:     "opentsdb",
		Extensions: []string{".tsdb", ".opentsdb"},
		MediaType:  "text/plain",
	}, oc, oc)
	reg.Register(tsconv.Descriptor{
		Format:     "prometheus",
		Extensions: []string{".prom"},
		MediaType:  "text/plain; version=0.0.4",
	}, pc, pc)
	reg.Register(tsconv.Descriptor{
		Format:     "prometheus-remote-write",
		Extensions: []string{".prw"},
		MediaType:  "application/x-protobuf",
		Binary:     true,
	}, rw, rw)
}

// sampleGroup merges per-metric samples that share a series and
// timestamp into one record. The TSDB line formats carry one value per
// line; the record model carries many.
type sampleGroup struct {
	order []string
	byKey map[string]*tsconv.Record
}

func newSampleGroup() *sampleGroup {
	return &sampleGroup{byKey: map[string]*tsconv.Record{}}
}

func (g *sampleGroup) add(series string, ts time.Time, metric string, value interface{}, meta *tsconv.Fields, format string) {
	key := series + "\x00" + strconv.FormatInt(ts.UnixNano(), 10)
	rec, ok := g.byKey[key]
	if !ok {
		m := tsconv.NewFields()
		r := tsconv.Record{
			SeriesID:     series,
			Timestamp:    ts.UTC(),
			Measurements: m,
			SourceFormat: format,
		}
		g.byKey[key] = &r
		g.order = append(g.order, key)
		rec = &r
	}
	rec.Measurements.Set(metric, value)
	if meta.Len() > 0 && rec.Metadata.Len() == 0 {
		rec.Metadata = meta
	}
}

func (g *sampleGroup) records() []tsconv.Record {
	out := make([]tsconv.Record, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, *g.byKey[k])
	}
	return out
}

// ---- influx line protocol ----

// influxCodec reads and writes the influx line protocol:
// measurement[,tag=v...] field=v[,field=v...] [unix_nanos]. The
// measurement name becomes the series id, tags become metadata.
type influxCodec struct{}

func (c *influxCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	res := &tsconv.LoadResult{}
	sawLine := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sawLine = true
		rec, skipped, ok := parseInfluxLine(line)
		res.SkippedValues += skipped
		if !ok {
			res.DroppedRecords++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if !sawLine {
		return nil, decodeErr("influx-line", "empty input", nil)
	}
	return res, nil
}

func parseInfluxLine(line string) (tsconv.Record, int, bool) {
	ident, rest, ok := splitUnescaped(line)
	if !ok {
		return tsconv.Record{}, 0, false
	}
	fieldStr, tsStr, _ := splitUnescaped(rest)

	identParts := splitEscaped(ident, ',')
	series := unescapeInflux(identParts[0])
	if series == "" {
		return tsconv.Record{}, 0, false
	}
	meta := tsconv.NewFields()
	skipped := 0
	for _, tag := range identParts[1:] {
		k, v, ok := cutEscaped(tag)
		if !ok {
			skipped++
			continue
		}
		meta.Set(unescapeInflux(k), unescapeInflux(v))
	}

	measurements := tsconv.NewFields()
	for _, field := range splitQuoted(fieldStr, ',') {
		k, v, ok := cutQuoted(field)
		if !ok {
			skipped++
			continue
		}
		val, ok := influxFieldValue(v)
		if !ok {
			skipped++
			continue
		}
		measurements.Set(unescapeInflux(k), val)
	}

	tsStr = strings.TrimSpace(tsStr)
	if tsStr == "" {
		// No timestamp and no clock to invent one from.
		return tsconv.Record{}, skipped, false
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return tsconv.Record{}, skipped, false
	}
	rec, err := tsconv.NewRecord(series, time.Unix(0, nanos).UTC(), measurements)
	if err != nil {
		return tsconv.Record{}, skipped, false
	}
	if meta.Len() > 0 {
		rec.Metadata = meta
	}
	rec.SourceFormat = "influx-line"
	return rec, skipped, true
}

// splitUnescaped cuts at the first space that is neither escaped nor
// inside a quoted string.
func splitUnescaped(s string) (string, string, bool) {
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inQuotes = !inQuotes
		case ' ':
			if !inQuotes {
				return s[:i], s[i+1:], true
			}
		}
	}
	return s, "", false
}

// splitEscaped splits on sep, honoring backslash escapes.
func splitEscaped(s string, sep byte) []string {
	var parts []string
	start := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// splitQuoted splits on sep, honoring escapes and quoted strings.
func splitQuoted(s string, sep byte) []string {
	var parts []string
	start := 0
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func cutEscaped(s string) (string, string, bool) {
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func cutQuoted(s string) (string, string, bool) {
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inQuotes = !inQuotes
		case '=':
			if !inQuotes {
				return s[:i], s[i+1:], true
			}
		}
	}
	return "", "", false
}

func unescapeInflux(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func influxFieldValue(raw string) (interface{}, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if raw[0] == '"' {
		if len(raw) < 2 || raw[len(raw)-1] != '"' {
			return nil, false
		}
		inner := raw[1 : len(raw)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner, true
	}
	switch raw {
	case "t", "T", "true", "True", "TRUE":
		return true, true
	case "f", "F", "false", "False", "FALSE":
		return false, true
	}
	if strings.HasSuffix(raw, "i") || strings.HasSuffix(raw, "u") {
		if i, err := strconv.ParseInt(raw[:len(raw)-1], 10, 64); err == nil {
			return i, true
		}
		return nil, false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}
	return nil, false
}

func (c *influxCodec) Export(records []tsconv.Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(escapeInfluxIdent(r.SeriesID))
		for _, k := range r.Metadata.Keys() {
			v, _ := r.Metadata.Get(k)
			buf.WriteByte(',')
			buf.WriteString(escapeInfluxIdent(k))
			buf.WriteByte('=')
			buf.WriteString(escapeInfluxIdent(formatScalar(v)))
		}
		buf.WriteByte(' ')
		wrote := false
		for _, k := range r.Measurements.Keys() {
			v, _ := r.Measurements.Get(k)
			if v == nil {
				continue
			}
			if wrote {
				buf.WriteByte(',')
			}
			wrote = true
			buf.WriteString(escapeInfluxIdent(k))
			buf.WriteByte('=')
			buf.WriteString(influxValue(v))
		}
		if !wrote {
			return nil, encodeErr("influx-line", fmt.Sprintf("record %s has no exportable measurements", r.SeriesID), nil)
		}
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(r.Timestamp.UnixNano(), 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func escapeInfluxIdent(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "=", `\=`)
	s = strings.ReplaceAll(s, " ", `\ `)
	return s
}

func influxValue(v interface{}) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10) + "i"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case string:
		escaped := strings.ReplaceAll(t, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return "0"
}

// ---- opentsdb ----

// opentsdbCodec handles the telnet-style put protocol:
// put <metric> <unix_ts> <value> [tag=v ...]. The metric becomes a
// measurement key; the series id comes from a series_id/series tag or
// defaults. Lines sharing series and timestamp merge into one record.
type opentsdbCodec struct {
	defSeries string
}

func (c *opentsdbCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	res := &tsconv.LoadResult{}
	group := newSampleGroup()
	sawLine := false
	dropped := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sawLine = true
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "put" {
			dropped++
			continue
		}
		metric := fields[1]
		ts, ok := parseTimestamp(fields[2])
		if !ok {
			dropped++
			continue
		}
		value, ok := scalarFloat(fields[3])
		if !ok {
			dropped++
			continue
		}
		series := c.defSeries
		meta := tsconv.NewFields()
		for _, tag := range fields[4:] {
			k, v, found := strings.Cut(tag, "=")
			if !found {
				res.SkippedValues++
				continue
			}
			if matchKey(k, seriesKeys) {
				series = v
				continue
			}
			meta.Set(k, v)
		}
		group.add(series, ts, metric, value, meta, "opentsdb")
	}
	if !sawLine {
		return nil, decodeErr("opentsdb", "empty input", nil)
	}
	res.Records = group.records()
	res.DroppedRecords = dropped
	return res, nil
}

func (c *opentsdbCodec) Export(records []tsconv.Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		ts := strconv.FormatInt(r.Timestamp.Unix(), 10)
		for _, k := range r.Measurements.Keys() {
			v, _ := r.Measurements.Get(k)
			f, ok := scalarFloat(v)
			if !ok {
				continue
			}
			buf.WriteString("put ")
			buf.WriteString(sanitizeMetric(k))
			buf.WriteByte(' ')
			buf.WriteString(ts)
			buf.WriteByte(' ')
			buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
			buf.WriteString(" series_id=")
			buf.WriteString(sanitizeMetric(r.SeriesID))
			for _, mk := range r.Metadata.Keys() {
				mv, _ := r.Metadata.Get(mk)
				buf.WriteByte(' ')
				buf.WriteString(sanitizeMetric(mk))
				buf.WriteByte('=')
				buf.WriteString(sanitizeMetric(formatScalar(mv)))
			}
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// sanitizeMetric replaces characters the telnet protocol cannot carry.
func sanitizeMetric(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ---- prometheus text exposition ----

// promCodec handles the text exposition format: # HELP / # TYPE
// comment lines plus metric{label="v",...} value [timestamp_ms]
// samples. Labels become metadata; a series_id label names the series.
type promCodec struct {
	defSeries string
}

func (c *promCodec) Load(data []byte) (*tsconv.LoadResult, error) {
	res := &tsconv.LoadResult{}
	group := newSampleGroup()
	sawSample := false
	dropped := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		metric, labels, value, ts, ok := parsePromSample(line)
		if !ok {
			dropped++
			continue
		}
		sawSample = true
		series := c.defSeries
		meta := tsconv.NewFields()
		for _, l := range labels {
			if matchKey(l.key, seriesKeys) {
				series = l.val
				continue
			}
			meta.Set(l.key, l.val)
		}
		group.add(series, ts, metric, value, meta, "prometheus")
	}
	if !sawSample && dropped == 0 {
		return nil, decodeErr("prometheus", "no samples", nil)
	}
	res.Records = group.records()
	res.DroppedRecords = dropped
	return res, nil
}

type promLabel struct {
	key, val string
}

func parsePromSample(line string) (string, []promLabel, float64, time.Time, bool) {
	var metric string
	var labels []promLabel
	rest := line
	if i := strings.IndexByte(line, '{'); i >= 0 {
		metric = strings.TrimSpace(line[:i])
		end := strings.IndexByte(line[i:], '}')
		if end < 0 {
			return "", nil, 0, time.Time{}, false
		}
		var ok bool
		labels, ok = parsePromLabels(line[i+1 : i+end])
		if !ok {
			return "", nil, 0, time.Time{}, false
		}
		rest = strings.TrimSpace(line[i+end+1:])
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, time.Time{}, false
		}
		metric = fields[0]
		rest = strings.Join(fields[1:], " ")
	}
	if metric == "" {
		return "", nil, 0, time.Time{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) < 1 {
		return "", nil, 0, time.Time{}, false
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, time.Time{}, false
	}
	if len(fields) < 2 {
		// Sample without a timestamp cannot become a record.
		return "", nil, 0, time.Time{}, false
	}
	ms, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", nil, 0, time.Time{}, false
	}
	return metric, labels, value, time.Unix(0, ms*int64(time.Millisecond)).UTC(), true
}

func parsePromLabels(s string) ([]promLabel, bool) {
	var labels []promLabel
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, false
		}
		key := strings.TrimSpace(s[:eq])
		s = strings.TrimSpace(s[eq+1:])
		if len(s) == 0 || s[0] != '"' {
			return nil, false
		}
		// Find the closing quote, honoring escapes.
		end := -1
		escaped := false
		for i := 1; i < len(s); i++ {
			if escaped {
				escaped = false
				continue
			}
			if s[i] == '\\' {
				escaped = true
				continue
			}
			if s[i] == '"' {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, false
		}
		val := strings.ReplaceAll(s[1:end], `\"`, `"`)
		val = strings.ReplaceAll(val, `\n`, "\n")
		val = strings.ReplaceAll(val, `\\`, `\`)
		labels = append(labels, promLabel{key: key, val: val})
		s = strings.TrimSpace(s[end+1:])
		s = strings.TrimPrefix(s, ",")
		s = strings.TrimSpace(s)
	}
	return labels, true
}

func (c *promCodec) Export(records []tsconv.Record) ([]byte, error) {
	var buf bytes.Buffer
	typed := map[string]bool{}
	// The exposition format requires all samples of a metric to sit
	// under its single TYPE line, so emission groups by metric (in
	// first-use order) rather than following input order.
	var metricOrder []string
	samples := map[string][]string{}
	for _, r := range records {
		ms := r.Timestamp.UnixMilli()
		for _, k := range r.Measurements.Keys() {
			v, _ := r.Measurements.Get(k)
			f, ok := scalarFloat(v)
			if !ok {
				continue
			}
			metric := sanitizePromName(k)
			if !typed[metric] {
				typed[metric] = true
				metricOrder = append(metricOrder, metric)
			}
			var sb strings.Builder
			sb.WriteString(metric)
			sb.WriteString(`{series_id="`)
			sb.WriteString(escapePromLabel(r.SeriesID))
			sb.WriteByte('"')
			for _, mk := range r.Metadata.Keys() {
				mv, _ := r.Metadata.Get(mk)
				sb.WriteByte(',')
				sb.WriteString(sanitizePromName(mk))
				sb.WriteString(`="`)
				sb.WriteString(escapePromLabel(formatScalar(mv)))
				sb.WriteByte('"')
			}
			sb.WriteString("} ")
			sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatInt(ms, 10))
			samples[metric] = append(samples[metric], sb.String())
		}
	}
	for _, metric := range metricOrder {
		fmt.Fprintf(&buf, "# TYPE %s gauge\n", metric)
		for _, s := range samples[metric] {
			buf.WriteString(s)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

func sanitizePromName(s string) string {
	var b strings.Builder
	for i, r := range s {
		valid := r == '_' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func escapePromLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
