package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFile persists a transcript atomically: write to a temp sibling, then
// rename. A crashed writer never leaves a half-written transcript behind.
func WriteFile(path string, t *Transcript) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".txr-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadFile loads and version-checks a transcript.
func ReadFile(path string) (*Transcript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes transcript bytes with a strict version check.
func Parse(b []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("malformed transcript: %w", err)
	}
	if t.TranscriptVersion != Version {
		return nil, fmt.Errorf("%w: %q", ErrWrongVersion, t.TranscriptVersion)
	}
	if len(t.Envelopes) != len(t.Rounds) {
		return nil, ErrRoundEnvelopes
	}
	return &t, nil
}

// ScanDir loads every *.json transcript under dir. Unreadable or
// wrong-version files are reported, not fatal: an audit scan must see as much
// of the population as it can.
func ScanDir(dir string) (map[string]*Transcript, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string]*Transcript)
	var softErrs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		t, err := ReadFile(path)
		if err != nil {
			softErrs = append(softErrs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		out[path] = t
	}
	return out, softErrs, nil
}

// Lock acquires an exclusive per-transcript lock via an O_EXCL sibling file.
// Reconciliation uses it so no two reconcile calls race the same pending
// transcript.
func Lock(path string) (release func(), err error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("transcript locked: %s", lockPath)
		}
		return nil, err
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
