// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()

	// Maps with identical content must encode to identical bytes
	// regardless of insertion order.
	first := map[string]any{"alpha": 1, "beta": "two", "gamma": true}
	second := map[string]any{"gamma": true, "beta": "two", "alpha": 1}

	firstBytes, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal(first): %v", err)
	}
	secondBytes, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal(second): %v", err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("deterministic encoding produced different bytes:\n%x\n%x", firstBytes, secondBytes)
	}
}

func TestRoundTripStruct(t *testing.T) {
	t.Parallel()

	type record struct {
		Name  string `cbor:"name"`
		Count int    `cbor:"count"`
	}

	original := record{Name: "session", Count: 42}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip: got %+v, want %+v", decoded, original)
	}
}

func TestDecodeIntoAnyUsesStringKeys(t *testing.T) {
	t.Parallel()

	data, err := Marshal(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Errorf("decoded type = %T, want map[string]any", decoded)
	}
}
