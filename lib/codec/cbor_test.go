// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// sampleEntry is a representative wire type using cbor struct tags
// (the convention for tetherd's internal wire types).
type sampleEntry struct {
	Path string `cbor:"path"`
	Kind string `cbor:"kind,omitempty"`
	Size int64  `cbor:"size"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleEntry{
		Path: "src/main.go",
		Kind: "file",
		Size: 4096,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleEntry
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	entry := sampleEntry{Path: "lib/util.go", Kind: "file", Size: 123}

	first, err := Marshal(entry)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(entry)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	// A newer peer may add fields; older decoders must skip them.
	extended := struct {
		Path   string `cbor:"path"`
		Kind   string `cbor:"kind"`
		Size   int64  `cbor:"size"`
		Future string `cbor:"future_field"`
	}{Path: "a.txt", Kind: "file", Size: 2, Future: "ignored"}

	data, err := Marshal(extended)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleEntry
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Path != "a.txt" || decoded.Size != 2 {
		t.Errorf("known fields lost: %+v", decoded)
	}
}

func TestDefaultMapTypeIsStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"method": "project-open", "id": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded into %T, want map[string]any", decoded)
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	entries := []sampleEntry{
		{Path: "a.txt", Kind: "file", Size: 1},
		{Path: "b", Kind: "directory", Size: 0},
		{Path: "c", Kind: "symlink", Size: 9},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			t.Fatalf("Encode(%+v): %v", entry, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range entries {
		var got sampleEntry
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if got != want {
			t.Errorf("stream item %d: got %+v, want %+v", i, got, want)
		}
	}
}
