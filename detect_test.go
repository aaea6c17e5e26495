package tsconv

import (
	"strings"
	"testing"
)

// detectRegistry mirrors the descriptors of the built-in formats that
// matter to detection, without pulling in the codecs themselves.
func detectRegistry() *Registry {
	r := NewRegistry()
	register(r, Descriptor{Format: "json", Extensions: []string{".json"}})
	register(r, Descriptor{Format: "jsonl", Extensions: []string{".jsonl"}})
	register(r, Descriptor{Format: "csv", Extensions: []string{".csv"}})
	register(r, Descriptor{Format: "txt", Extensions: []string{".txt"}})
	register(r, Descriptor{Format: "stooq", Extensions: []string{".txt"}})
	register(r, Descriptor{Format: "influx-line", Extensions: []string{".lp"}})
	register(r, Descriptor{Format: "opentsdb", Extensions: []string{".tsdb"}})
	register(r, Descriptor{Format: "prometheus", Extensions: []string{".prom"}})
	register(r, Descriptor{Format: "gzip", Extensions: []string{".gz"}, Magic: []Magic{{Prefix: []byte{0x1f, 0x8b}}}})
	register(r, Descriptor{Format: "parquet", Extensions: []string{".parquet"}, Magic: []Magic{{Prefix: []byte("PAR1")}}})
	register(r, Descriptor{Format: "tar", Extensions: []string{".tar"}, Magic: []Magic{{Offset: 257, Prefix: []byte("ustar")}}})
	return r.Freeze()
}

func TestDetectByExtension(t *testing.T) {
	r := detectRegistry()
	for filename, want := range map[string]string{
		"data.json":    "json",
		"DATA.CSV":     "csv",
		"x.parquet":    "parquet",
		"dump.jsonl":   "jsonl",
		"metrics.prom": "prometheus",
	} {
		got, err := Detect(r, filename, nil)
		if err != nil {
			t.Fatalf("detecting %s: %v", filename, err)
		}
		if got != want {
			t.Fatalf("%s detected as %s, expected %s", filename, got, want)
		}
	}
}

func TestDetectAmbiguousExtensionFallsToContent(t *testing.T) {
	r := detectRegistry()
	// .txt is claimed by both txt and stooq, so content decides.
	stooqData := "TICKER,PER,DATE,TIME,OPEN,HIGH,LOW,CLOSE,VOL\nAAPL,D,20240301,000000,1,2,0.5,1.5,100\n"
	got, err := Detect(r, "quotes.txt", []byte(stooqData))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got != "stooq" {
		t.Fatalf("detected %s, expected stooq", got)
	}

	tabData := "timestamp\tvalue\n2024-03-01T00:00:00Z\t1.5\n"
	got, err = Detect(r, "data.txt", []byte(tabData))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got != "txt" {
		t.Fatalf("detected %s, expected txt", got)
	}
}

func TestDetectMagic(t *testing.T) {
	r := detectRegistry()
	got, err := Detect(r, "", []byte{0x1f, 0x8b, 0x08, 0x00})
	if err != nil || got != "gzip" {
		t.Fatalf("gzip magic gave (%v, %v)", got, err)
	}

	tarData := make([]byte, 512)
	copy(tarData[257:], "ustar")
	got, err = Detect(r, "", tarData)
	if err != nil || got != "tar" {
		t.Fatalf("tar magic gave (%v, %v)", got, err)
	}
}

func TestDetectTextMarkers(t *testing.T) {
	r := detectRegistry()
	for data, want := range map[string]string{
		`[{"timestamp": 1}]`:                      "json",
		`{"timestamp": 1}`:                        "json",
		"{\"a\": 1}\n{\"a\": 2}\n":                "jsonl",
		"put cpu.load 1709290000 0.5 host=a\n":    "opentsdb",
		"# HELP x\n# TYPE x gauge\nx 1 170929\n":  "prometheus",
		"cpu,host=a load=0.5 1709290000000000000": "influx-line",
	} {
		got, err := Detect(r, "", []byte(data))
		if err != nil {
			t.Fatalf("detecting %q: %v", data, err)
		}
		if got != want {
			t.Fatalf("%q detected as %s, expected %s", data, got, want)
		}
	}
}

func TestDetectDelimiterVoting(t *testing.T) {
	r := detectRegistry()
	// Commas only inside quoted fields on some lines; tabs on every
	// line. Tabs must win on the minimum per-line count.
	lines := []string{
		"timestamp\tname\tvalue",
		"2024-03-01\t\"a,b,c\"\t1",
		"2024-03-02\tplain\t2",
	}
	got, err := Detect(r, "", []byte(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got != "txt" {
		t.Fatalf("detected %s, expected txt", got)
	}

	csvData := "timestamp,value\n2024-03-01,1\n2024-03-02,2\n"
	got, err = Detect(r, "", []byte(csvData))
	if err != nil || got != "csv" {
		t.Fatalf("csv voting gave (%v, %v)", got, err)
	}
}

func TestDetectUnknownIsAmbiguous(t *testing.T) {
	r := detectRegistry()
	_, err := Detect(r, "mystery.bin", []byte{0x00, 0x01, 0x02})
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
	ae, ok := err.(*AmbiguousFormatError)
	if !ok {
		t.Fatalf("expected *AmbiguousFormatError, got %T", err)
	}
	if len(ae.Candidates) == 0 {
		t.Fatal("error carries no candidates")
	}
}
