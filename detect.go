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

package tsconv

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode"
)

// sniffLen bounds how much content the detector inspects. 8KB covers
// every sniff rule we have.
const sniffLen = 8192

// Detect infers a format identifier from a filename extension and/or
// content sniffing, consulting only formats present in the registry.
//
// Extension first: if the extension maps to exactly one registered
// format, that wins. Otherwise the content is sniffed: binary magic,
// then structural text markers, then delimiter voting. If nothing
// matches, an AmbiguousFormatError carries the candidates considered.
func Detect(reg *Registry, filename string, data []byte) (string, error) {
	candidates := extensionMatches(reg, filename)
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	if len(data) > sniffLen {
		data = data[:sniffLen]
	}
	if len(data) > 0 {
		if f, ok := sniffMagic(reg, data); ok {
			return f, nil
		}
		if f, ok := sniffText(reg, data); ok {
			return f, nil
		}
	}

	if len(candidates) == 0 {
		candidates = textCandidates(reg)
	}
	return "", &AmbiguousFormatError{Candidates: candidates}
}

// extensionMatches returns the formats claiming the filename's
// extension, in registration order.
func extensionMatches(reg *Registry, filename string) []string {
	if filename == "" {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil
	}
	var matches []string
	for _, d := range reg.Formats() {
		for _, e := range d.Extensions {
			if e == ext {
				matches = append(matches, d.Format)
				break
			}
		}
	}
	return matches
}

func sniffMagic(reg *Registry, data []byte) (string, bool) {
	for _, d := range reg.Formats() {
		for _, m := range d.Magic {
			if len(data) >= m.Offset+len(m.Prefix) &&
				bytes.Equal(data[m.Offset:m.Offset+len(m.Prefix)], m.Prefix) {
				return d.Format, true
			}
		}
	}
	return "", false
}

func sniffText(reg *Registry, data []byte) (string, bool) {
	trimmed := bytes.TrimLeftFunc(data, unicode.IsSpace)
	if len(trimmed) == 0 {
		return "", false
	}
	lines := nonEmptyLines(data, 10)

	switch trimmed[0] {
	case '[':
		return registered(reg, "json")
	case '{':
		// Multiple lines each starting with '{' is JSONL; a single
		// object (possibly pretty-printed) is JSON.
		if len(lines) > 1 {
			all := true
			for _, l := range lines {
				if !strings.HasPrefix(strings.TrimSpace(l), "{") {
					all = false
					break
				}
			}
			if all {
				return registered(reg, "jsonl")
			}
		}
		return registered(reg, "json")
	}

	first := strings.TrimSpace(lines[0])
	switch {
	case strings.HasPrefix(first, "put "):
		return registered(reg, "opentsdb")
	case strings.HasPrefix(first, "# HELP") || strings.HasPrefix(first, "# TYPE"):
		return registered(reg, "prometheus")
	case stooqHeader(first):
		return registered(reg, "stooq")
	}

	if looksLikeLineProtocol(lines) {
		return registered(reg, "influx-line")
	}

	if delim, ok := voteDelimiter(lines); ok {
		switch delim {
		case ',', ';':
			return registered(reg, "csv")
		case '\t', '|':
			return registered(reg, "txt")
		}
	}
	return "", false
}

func registered(reg *Registry, format string) (string, bool) {
	if _, err := reg.Lookup(format); err != nil {
		return "", false
	}
	return format, true
}

func textCandidates(reg *Registry) []string {
	var out []string
	for _, f := range []string{"json", "jsonl", "csv", "txt", "stooq", "influx-line", "opentsdb", "prometheus"} {
		if _, err := reg.Lookup(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func nonEmptyLines(data []byte, max int) []string {
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
		if len(lines) == max {
			break
		}
	}
	return lines
}

func stooqHeader(line string) bool {
	up := strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(line, "<", ""), ">", ""))
	return strings.HasPrefix(up, "TICKER,PER,DATE")
}

// looksLikeLineProtocol matches the influx token pattern
// "measurement,tag=val field=val timestamp" on every sampled line.
func looksLikeLineProtocol(lines []string) bool {
	for _, l := range lines {
		parts := strings.SplitN(strings.TrimSpace(l), " ", 3)
		if len(parts) < 2 {
			return false
		}
		// The measurement name itself carries no '='; tags after the
		// first comma do.
		head := parts[0]
		if i := strings.IndexByte(head, ','); i >= 0 {
			head = head[:i]
		}
		if strings.Contains(head, "=") {
			return false
		}
		if !strings.Contains(parts[1], "=") {
			return false
		}
		if len(parts) == 3 {
			ts := strings.TrimSpace(parts[2])
			for _, c := range ts {
				if c < '0' || c > '9' {
					return false
				}
			}
		}
	}
	return len(lines) > 0
}

// voteDelimiter runs delimiter frequency voting over the sampled
// lines. The winner is the delimiter with the highest minimum
// per-line count, which keeps a delimiter that only shows up inside a
// quoted field on one line from winning on raw totals.
func voteDelimiter(lines []string) (byte, bool) {
	if len(lines) == 0 {
		return 0, false
	}
	best := byte(0)
	bestMin := 0
	for _, delim := range []byte{',', '\t', ';', '|'} {
		min := -1
		for _, l := range lines {
			n := strings.Count(l, string(delim))
			if min == -1 || n < min {
				min = n
			}
		}
		if min > bestMin {
			bestMin = min
			best = delim
		}
	}
	if bestMin == 0 {
		return 0, false
	}
	return best, true
}
