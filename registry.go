package tsconv

import "fmt"

// Loader decodes raw bytes into records. Implementations must not
// perform I/O beyond the given buffer.
type Loader interface {
	Load(data []byte) (*LoadResult, error)
}

// LoadResult is the outcome of a decode. Per-value parse failures
// degrade the value to absent and bump SkippedValues; rows that cannot
// form a valid record bump DroppedRecords. Nothing is dropped without
// being counted.
type LoadResult struct {
	Records        []Record
	SkippedValues  int
	DroppedRecords int
}

// Exporter encodes records into raw bytes. Emission order is input
// order.
type Exporter interface {
	Export(records []Record) ([]byte, error)
}

// Magic is a content-sniffing rule: Prefix must appear at Offset.
type Magic struct {
	Offset int
	Prefix []byte
}

// Descriptor is the static metadata registered per format.
type Descriptor struct {
	// Format is the registry identifier, e.g. "csv" or "influx-line".
	Format string
	// Extensions are canonical filename extensions including the dot.
	Extensions []string
	// Magic rules used by content sniffing. Empty for formats with no
	// reliable signature.
	Magic []Magic
	// MediaType is the MIME hint, informational only.
	MediaType string
	// UniformSchema marks formats whose exporter needs every record to
	// carry the same measurement keys. The orchestrator normalizes
	// records once before export instead of each exporter doing it.
	UniformSchema bool
	// Binary distinguishes byte-oriented formats from UTF-8 text.
	Binary bool
}

// Codec pairs a Loader and Exporter with their Descriptor.
type Codec struct {
	Descriptor Descriptor
	Loader     Loader
	Exporter   Exporter
}

// Registry maps format identifiers to codecs. It follows an
// initialize-once-then-freeze discipline: Register everything at
// process start, call Freeze, then share it across goroutines. Frozen
// lookups take no locks.
type Registry struct {
	codecs map[string]Codec
	order  []string
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds a codec. It panics on a duplicate format or a frozen
// registry; both are process wiring bugs, not runtime conditions.
func (r *Registry) Register(d Descriptor, l Loader, e Exporter) {
	if r.frozen {
		panic(fmt.Sprintf("registering '%s' on a frozen registry", d.Format))
	}
	if d.Format == "" {
		panic("registering codec with empty format identifier")
	}
	if _, exists := r.codecs[d.Format]; exists {
		panic(fmt.Sprintf("format already registered: %s", d.Format))
	}
	r.codecs[d.Format] = Codec{Descriptor: d, Loader: l, Exporter: e}
	r.order = append(r.order, d.Format)
}

// Freeze marks the registry read-only and returns it for chaining.
func (r *Registry) Freeze() *Registry {
	r.frozen = true
	return r
}

func (r *Registry) Frozen() bool { return r.frozen }

// Lookup returns the codec for a format identifier.
func (r *Registry) Lookup(format string) (Codec, error) {
	c, ok := r.codecs[format]
	if !ok {
		return Codec{}, &UnknownFormatError{Format: format}
	}
	return c, nil
}

// Formats returns the registered descriptors in registration order.
// The registry is the single source of truth for the format
// vocabulary; nothing else hardcodes the list.
func (r *Registry) Formats() []Descriptor {
	ds := make([]Descriptor, 0, len(r.order))
	for _, f := range r.order {
		ds = append(ds, r.codecs[f].Descriptor)
	}
	return ds
}
