// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/fleetwork/lib/codec"
)

func TestDeterministicEncoding(t *testing.T) {
	payload := map[string]any{
		"zebra":  1,
		"apple":  2,
		"middle": 3,
	}

	first, err := codec.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := codec.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("repeated Marshal produced different bytes:\n%x\n%x", first, second)
	}
}

func TestRoundTripStruct(t *testing.T) {
	type token struct {
		Subject string `cbor:"1,keyasint"`
		Expires int64  `cbor:"2,keyasint"`
	}

	original := token{Subject: "worker/build-1", Expires: 1760000000}
	encoded, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded token
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	full := map[string]any{"known": "value", "extra": "ignored"}
	encoded, err := codec.Marshal(full)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var target struct {
		Known string `cbor:"known"`
	}
	if err := codec.Unmarshal(encoded, &target); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if target.Known != "value" {
		t.Errorf("Known = %q, want %q", target.Known, "value")
	}
}

func TestAnyTargetDecodesStringKeyedMaps(t *testing.T) {
	encoded, err := codec.Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Errorf("nested type = %T, want map[string]any", outer["outer"])
	}
}
