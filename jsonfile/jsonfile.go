// Package jsonfile provides the write-temp-then-rename atomic persistence
// pattern used for every JSON document this repository owns, generalizing
// naicreport/load.go's os.CreateTemp+os.Rename idiom from one-off plotting
// output to a reusable helper.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteAtomic marshals v as JSON and writes it to path via a temp file in the
// same directory, then renames into place. No partial file is ever visible
// at path.
func WriteAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("jsonfile: encoding %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	ok = true
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return nil
}

// Read unmarshals the JSON document at path into v. A missing file returns
// the underlying *os.PathError unchanged so callers can distinguish
// not-found from corruption with os.IsNotExist.
func Read(path string, v any) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bytes, v); err != nil {
		return fmt.Errorf("jsonfile: decoding %s: %w", path, err)
	}
	return nil
}

// RecoverStaleTemps removes every "*.tmp"-suffixed sibling of files this
// package writes, found directly under dir. It is meant to run once at the
// start of a tick, before any load, per spec.md §7's write-failure recovery
// rule: a crash that leaves a temp file in place without renaming it is
// cleaned up by the next invocation.
func RecoverStaleTemps(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
