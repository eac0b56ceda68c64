// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	// Repetitive text compresses under every algorithm.
	payload := []byte(strings.Repeat("package worktree\nfunc Scan() {}\n", 200))

	for _, algorithm := range []Algorithm{None, LZ4, Zstd} {
		t.Run(algorithm.String(), func(t *testing.T) {
			tagged, err := Encode(payload, algorithm)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if algorithm != None && Algorithm(tagged[0]) != algorithm {
				t.Errorf("tag = %d, want %d", tagged[0], algorithm)
			}
			if algorithm != None && len(tagged) >= len(payload) {
				t.Errorf("compressed size %d not smaller than input %d", len(tagged), len(payload))
			}

			decoded, err := Decode(tagged, len(payload))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(decoded, payload) {
				t.Error("roundtrip mismatch")
			}
		})
	}
}

func TestEncodeFallsBackToNoneForIncompressible(t *testing.T) {
	payload := make([]byte, 4096)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	tagged, err := Encode(payload, LZ4)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if Algorithm(tagged[0]) != None {
		t.Errorf("tag = %d, want None for incompressible input", tagged[0])
	}

	decoded, err := Decode(tagged, len(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Error("roundtrip mismatch")
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	tagged, err := Encode([]byte("hello worktree"), None)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(tagged, 5); err == nil {
		t.Fatal("Decode accepted a wrong uncompressed size")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{0xFF, 0x00}, 1); err == nil {
		t.Fatal("Decode accepted an unknown algorithm tag")
	}
}

func TestParseAlgorithm(t *testing.T) {
	cases := []struct {
		name    string
		want    Algorithm
		wantErr bool
	}{
		{"none", None, false},
		{"lz4", LZ4, false},
		{"zstd", Zstd, false},
		{"brotli", 0, true},
	}
	for _, c := range cases {
		got, err := ParseAlgorithm(c.name)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAlgorithm(%q): expected error", c.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAlgorithm(%q): %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseAlgorithm(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}
