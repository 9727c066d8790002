// Package settings provides the scalar key/value store the update engine
// reads its recorded version, URLs and checksums from.
//
// Values live in named namespaces ("board", "mqtt", "websocket", ...).
// Missing keys read as the zero value.
package settings

import (
	"sync"
)

// Well-known namespaces and keys.
const (
	NamespaceBoard     = "board"
	NamespaceMQTT      = "mqtt"
	NamespaceWebsocket = "websocket"

	KeyVersion     = "version"
	KeyOTAURL      = "ota_url"
	KeyOTAVersion  = "ota_v"
	KeyOTAChecksum = "ota_md5"
	KeyOTAFail     = "ota_fail"

	KeyDeviceSecret = "device_secret"
)

// Store is the settings persistence port.
type Store interface {
	GetString(namespace, key string) (string, error)
	SetString(namespace, key, value string) error
	GetInt(namespace, key string) (int64, error)
	SetInt(namespace, key string, value int64) error
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	strings map[string]map[string]string
	ints    map[string]map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]map[string]string),
		ints:    make(map[string]map[string]int64),
	}
}

func (m *Memory) GetString(namespace, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strings[namespace][key], nil
}

func (m *Memory) SetString(namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strings[namespace] == nil {
		m.strings[namespace] = make(map[string]string)
	}
	m.strings[namespace][key] = value
	return nil
}

func (m *Memory) GetInt(namespace, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ints[namespace][key], nil
}

func (m *Memory) SetInt(namespace, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ints[namespace] == nil {
		m.ints[namespace] = make(map[string]int64)
	}
	m.ints[namespace][key] = value
	return nil
}
