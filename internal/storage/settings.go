// Package storage persists the Routing Manager's locally generated
// prefixes across reboots, so a Border Router keeps announcing the same
// ULA-derived prefixes instead of churning the network on every
// restart.
//
// The backing store is a small YAML file written atomically
// (temp file + rename).
package storage

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// settingsFileMode is the permission mode of the settings file. The
// file holds no secrets; prefixes appear in every RA on the link.
const settingsFileMode = 0o644

// settings is the on-disk document.
type settings struct {
	// BrUlaPrefix is the persisted /48 BR ULA prefix.
	BrUlaPrefix string `yaml:"br_ula_prefix,omitempty"`

	// OnLinkPrefix is the persisted /64 on-link prefix.
	OnLinkPrefix string `yaml:"on_link_prefix,omitempty"`
}

// File is a file-backed implementation of routing.Storage.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile creates a settings store at path. The file is created on the
// first save.
func NewFile(path string) *File {
	return &File{path: path}
}

// LoadBrUlaPrefix returns the stored BR ULA prefix, ok=false when none
// is stored.
func (f *File) LoadBrUlaPrefix() (netip.Prefix, bool, error) {
	return f.load(func(s *settings) string { return s.BrUlaPrefix })
}

// SaveBrUlaPrefix persists the BR ULA prefix.
func (f *File) SaveBrUlaPrefix(prefix netip.Prefix) error {
	return f.save(func(s *settings) { s.BrUlaPrefix = prefix.String() })
}

// LoadOnLinkPrefix returns the stored on-link prefix, ok=false when
// none is stored.
func (f *File) LoadOnLinkPrefix() (netip.Prefix, bool, error) {
	return f.load(func(s *settings) string { return s.OnLinkPrefix })
}

// SaveOnLinkPrefix persists the on-link prefix.
func (f *File) SaveOnLinkPrefix(prefix netip.Prefix) error {
	return f.save(func(s *settings) { s.OnLinkPrefix = prefix.String() })
}

// load reads the settings file and extracts one field.
func (f *File) load(get func(*settings) string) (netip.Prefix, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.read()
	if err != nil {
		return netip.Prefix{}, false, err
	}

	raw := get(s)
	if raw == "" {
		return netip.Prefix{}, false, nil
	}

	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return netip.Prefix{}, false, fmt.Errorf("parse stored prefix %q: %w", raw, err)
	}

	return prefix, true, nil
}

// save reads the current document, applies one mutation, and writes the
// result back atomically.
func (f *File) save(set func(*settings)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.read()
	if err != nil {
		// A corrupt file is replaced rather than blocking forever.
		s = &settings{}
	}
	set(s)

	return f.write(s)
}

// read parses the settings file. A missing file yields empty settings.
func (f *File) read() (*settings, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", f.path, err)
	}

	s := &settings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", f.path, err)
	}
	return s, nil
}

// write serializes s and replaces the settings file atomically.
func (f *File) write(s *settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Chmod(tmpName, settingsFileMode); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod settings: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace settings %s: %w", f.path, err)
	}

	return nil
}
