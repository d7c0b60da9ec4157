/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, f File) string {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "exports.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidManifest(t *testing.T) {
	path := writeManifest(t, File{
		AbiVersion: "1.0.0",
		Exports: []Export{
			{Name: "health", CodecIn: "msgpack", CodecOut: "msgpack"},
			{Name: "compute", CodecIn: "json", CodecOut: "json"},
		},
	})
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Exports) != 2 {
		t.Fatalf("got %d exports", len(f.Exports))
	}
}

func TestLoadRejectsAbiMajorMismatch(t *testing.T) {
	path := writeManifest(t, File{AbiVersion: "2.0.0", Exports: []Export{{Name: "health", CodecIn: "json", CodecOut: "json"}}})
	if _, err := Load(path); err == nil {
		t.Fatal("expected abi major mismatch error")
	}
}

func TestLoadRejectsDunderPrefix(t *testing.T) {
	path := writeManifest(t, File{AbiVersion: "1.0.0", Exports: []Export{{Name: "__cancel__", CodecIn: "json", CodecOut: "json"}}})
	if _, err := Load(path); err == nil {
		t.Fatal("expected reserved-prefix error")
	}
}

func TestLoadRejectsDuplicateName(t *testing.T) {
	path := writeManifest(t, File{AbiVersion: "1.0.0", Exports: []Export{
		{Name: "health", CodecIn: "json", CodecOut: "json"},
		{Name: "health", CodecIn: "json", CodecOut: "json"},
	}})
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestLoadRejectsUnknownCodec(t *testing.T) {
	path := writeManifest(t, File{AbiVersion: "1.0.0", Exports: []Export{{Name: "health", CodecIn: "yaml", CodecOut: "json"}}})
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown codec_in error")
	}
}

func TestLoadRejectsMalformedName(t *testing.T) {
	path := writeManifest(t, File{AbiVersion: "1.0.0", Exports: []Export{{Name: "1bad", CodecIn: "json", CodecOut: "json"}}})
	if _, err := Load(path); err == nil {
		t.Fatal("expected malformed-name error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error reading a missing manifest")
	}
}
