package tsconv

import (
	"testing"
)

type nopLoader struct{}

func (nopLoader) Load(data []byte) (*LoadResult, error) { return &LoadResult{}, nil }

type nopExporter struct{}

func (nopExporter) Export(records []Record) ([]byte, error) { return nil, nil }

func register(r *Registry, d Descriptor) {
	r.Register(d, nopLoader{}, nopExporter{})
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	register(r, Descriptor{Format: "alpha", Extensions: []string{".alpha"}})
	r.Freeze()

	c, err := r.Lookup("alpha")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if c.Descriptor.Format != "alpha" {
		t.Fatalf("wrong codec: %v", c.Descriptor.Format)
	}

	_, err = r.Lookup("beta")
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, ok := err.(*UnknownFormatError); !ok {
		t.Fatalf("expected *UnknownFormatError, got %T", err)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	register(r, Descriptor{Format: "alpha"})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	register(r, Descriptor{Format: "alpha"})
}

func TestRegistryFrozenPanics(t *testing.T) {
	r := NewRegistry()
	register(r, Descriptor{Format: "alpha"})
	r.Freeze()
	if !r.Frozen() {
		t.Fatal("registry not frozen")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on post-freeze registration")
		}
	}()
	register(r, Descriptor{Format: "beta"})
}

func TestRegistryFormatsOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"c", "a", "b"}
	for _, n := range names {
		register(r, Descriptor{Format: n})
	}
	ds := r.Formats()
	if len(ds) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(ds))
	}
	for i, n := range names {
		if ds[i].Format != n {
			t.Fatalf("registration order lost: %v", ds)
		}
	}
}
