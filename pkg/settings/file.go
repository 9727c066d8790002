package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// document is the on-disk layout of a FileStore.
type document struct {
	Strings map[string]map[string]string `json:"strings"`
	Ints    map[string]map[string]int64  `json:"ints"`
}

// FileStore keeps settings in a JSON file.
//
// A file holding a bare version string (the older single-value format) is
// accepted and read as board.version; the next write converts it to JSON.
type FileStore struct {
	path  string
	cache *document
	mu    sync.RWMutex
}

// NewFileStore creates a file-backed store, loading path if it exists.
func NewFileStore(path string) *FileStore {
	s := &FileStore{path: path}
	s.load()
	return s
}

// load reads the document from disk
func (s *FileStore) load() {
	s.cache = &document{
		Strings: make(map[string]map[string]string),
		Ints:    make(map[string]map[string]int64),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err == nil {
		if doc.Strings != nil {
			s.cache.Strings = doc.Strings
		}
		if doc.Ints != nil {
			s.cache.Ints = doc.Ints
		}
		return
	}

	// Fallback to plain text
	if version := strings.TrimSpace(string(data)); version != "" {
		s.cache.Strings[NamespaceBoard] = map[string]string{KeyVersion: version}
	}
}

// save writes the document through a temporary file so a crash never leaves
// a truncated settings file behind.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) GetString(namespace, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Strings[namespace][key], nil
}

func (s *FileStore) SetString(namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Strings[namespace] == nil {
		s.cache.Strings[namespace] = make(map[string]string)
	}
	s.cache.Strings[namespace][key] = value
	return s.save()
}

func (s *FileStore) GetInt(namespace, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Ints[namespace][key], nil
}

func (s *FileStore) SetInt(namespace, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Ints[namespace] == nil {
		s.cache.Ints[namespace] = make(map[string]int64)
	}
	s.cache.Ints[namespace][key] = value
	return s.save()
}
