// Package manifest declares the worker's callable surface and rejects
// anything not declared, the way the teacher's xact/xreg registry declares
// a flat, validated, name-keyed table of renewable xaction kinds (§4.2).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/NVIDIA/molt/wire"
)

// AbiMajor is this worker build's ABI major version; a manifest whose
// abi_version major component does not match is a fatal startup error.
const AbiMajor = 1

var exportNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Export is one declared entry as read from the manifest file (§4.2, §6).
type Export struct {
	Name     string `json:"name"`
	CodecIn  string `json:"codec_in"`
	CodecOut string `json:"codec_out"`
}

// File is the on-disk JSON manifest document (§6).
type File struct {
	AbiVersion string   `json:"abi_version"`
	Exports    []Export `json:"exports"`
}

// Load reads and validates a manifest file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	major, err := abiMajor(f.AbiVersion)
	if err != nil {
		return err
	}
	if major != AbiMajor {
		return fmt.Errorf("abi major mismatch: manifest=%d runtime=%d", major, AbiMajor)
	}
	seen := make(map[string]bool, len(f.Exports))
	for _, e := range f.Exports {
		if e.Name == "" {
			return fmt.Errorf("export with empty name")
		}
		if strings.HasPrefix(e.Name, "__") {
			return fmt.Errorf("export %q uses reserved __ prefix", e.Name)
		}
		if !exportNameRe.MatchString(e.Name) {
			return fmt.Errorf("export %q does not match naming pattern", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate export %q", e.Name)
		}
		seen[e.Name] = true
		if !wire.Codec(e.CodecIn).Known() {
			return fmt.Errorf("export %q: unknown codec_in %q", e.Name, e.CodecIn)
		}
		if !wire.Codec(e.CodecOut).Known() {
			return fmt.Errorf("export %q: unknown codec_out %q", e.Name, e.CodecOut)
		}
	}
	return nil
}

func abiMajor(version string) (int, error) {
	parts := strings.SplitN(version, ".", 2)
	if len(parts) == 0 || parts[0] == "" {
		return 0, fmt.Errorf("empty abi_version")
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed abi_version %q", version)
	}
	return major, nil
}
