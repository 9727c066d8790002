package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

const bootRecordName = "otadata.json"

// Partition is one entry of a slot layout file.
type Partition struct {
	Label string   `yaml:"label"`
	Kind  SlotKind `yaml:"kind"`
	Size  int64    `yaml:"size"`
}

// Layout describes the slots a FileStore manages.
//
//	partitions:
//	  - {label: factory, kind: factory, size: 2097152}
//	  - {label: ota_0, kind: ota, size: 2097152}
type Layout struct {
	Partitions []Partition `yaml:"partitions"`
}

// DefaultLayout mirrors a two-slot device with a reserved third slot.
func DefaultLayout() *Layout {
	return &Layout{Partitions: []Partition{
		{Label: "factory", Kind: KindFactory},
		{Label: "ota_0", Kind: KindOTA},
		{Label: "ota_1", Kind: KindOTA},
		{Label: "ota_2", Kind: KindOTA},
	}}
}

// ParseLayout decodes a YAML layout.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse slot layout: %w", err)
	}
	if len(l.Partitions) == 0 {
		return nil, errors.New("slot layout has no partitions")
	}
	seen := make(map[string]bool)
	for i, p := range l.Partitions {
		if p.Label == "" {
			return nil, fmt.Errorf("partition %d has no label", i)
		}
		if seen[p.Label] {
			return nil, fmt.Errorf("duplicate partition label %q", p.Label)
		}
		seen[p.Label] = true
		switch p.Kind {
		case KindFactory, KindOTA:
		default:
			return nil, fmt.Errorf("partition %q has unknown kind %q", p.Label, p.Kind)
		}
	}
	return &l, nil
}

// LoadLayout reads a YAML layout from path.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read slot layout: %w", err)
	}
	return ParseLayout(data)
}

type bootRecord struct {
	Boot   string               `json:"boot"`
	States map[string]SlotState `json:"states"`
}

// FileStore keeps each slot as <dir>/<label>.bin and the boot selection in
// <dir>/otadata.json. It implements both Store and BootManager.
type FileStore struct {
	dir     string
	slots   []Slot
	running Slot

	mu     sync.Mutex
	record bootRecord
}

// NewFileStore opens the slot directory described by layout. The slot named
// in the boot record (or the first slot when there is none) is the running
// slot for the lifetime of the store.
func NewFileStore(dir string, layout *Layout) (*FileStore, error) {
	if layout == nil {
		layout = DefaultLayout()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create slot directory: %w", err)
	}

	s := &FileStore{dir: dir}
	for i, p := range layout.Partitions {
		s.slots = append(s.slots, Slot{Label: p.Label, Kind: p.Kind, Index: i, Size: p.Size})
	}

	if err := s.loadRecord(); err != nil {
		return nil, err
	}

	running, ok := s.slot(s.record.Boot)
	if !ok {
		running = s.slots[0]
		s.record.Boot = running.Label
	}
	s.running = running

	glog.V(1).Infof("Slot store at %s, running %s", dir, running.Label)
	return s, nil
}

func (s *FileStore) loadRecord() error {
	s.record = bootRecord{States: make(map[string]SlotState)}
	data, err := os.ReadFile(filepath.Join(s.dir, bootRecordName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read boot record: %w", err)
	}
	if err := json.Unmarshal(data, &s.record); err != nil {
		return fmt.Errorf("corrupt boot record: %w", err)
	}
	if s.record.States == nil {
		s.record.States = make(map[string]SlotState)
	}
	return nil
}

// saveRecord replaces the boot record atomically. Caller holds mu.
func (s *FileStore) saveRecord(rec bootRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, bootRecordName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.record = rec
	return nil
}

func (s *FileStore) slot(label string) (Slot, bool) {
	for _, sl := range s.slots {
		if sl.Label == label {
			return sl, true
		}
	}
	return Slot{}, false
}

func (s *FileStore) candidates() []Slot {
	var out []Slot
	for _, sl := range s.slots {
		if sl.Kind == KindOTA && sl.Label != s.running.Label {
			out = append(out, sl)
		}
	}
	return out
}

// NextUpdateSlot implements Store. Candidates are the ota slots other than
// the running one, in layout order.
func (s *FileStore) NextUpdateSlot(after string) (Slot, error) {
	c := s.candidates()
	if after == "" {
		if len(c) == 0 {
			return Slot{}, ErrNoSlot
		}
		return c[0], nil
	}
	for i, sl := range c {
		if sl.Label == after {
			if i+1 < len(c) {
				return c[i+1], nil
			}
			return Slot{}, ErrNoSlot
		}
	}
	return Slot{}, ErrNoSlot
}

// BeginWrite implements Store.
func (s *FileStore) BeginWrite(slot Slot, size int64) (Tx, error) {
	sl, ok := s.slot(slot.Label)
	if !ok {
		return nil, fmt.Errorf("unknown slot %q", slot.Label)
	}
	if sl.Label == s.running.Label {
		return nil, fmt.Errorf("slot %q is running", sl.Label)
	}
	if sl.Size > 0 && size > sl.Size {
		return nil, fmt.Errorf("image of %d bytes exceeds slot %q (%d bytes)", size, sl.Label, sl.Size)
	}

	part := s.imagePath(sl.Label) + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", part, err)
	}

	return &fileTx{store: s, slot: sl, size: size, part: part, f: f}, nil
}

func (s *FileStore) imagePath(label string) string {
	return filepath.Join(s.dir, label+".bin")
}

// ImagePath returns where the committed image of label lives.
func (s *FileStore) ImagePath(label string) string {
	return s.imagePath(label)
}

// BootTarget returns the label the device would boot next.
func (s *FileStore) BootTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Boot
}

// RunningSlot implements BootManager.
func (s *FileStore) RunningSlot() (Slot, error) {
	return s.running, nil
}

// SlotState implements BootManager.
func (s *FileStore) SlotState(label string) (SlotState, error) {
	if _, ok := s.slot(label); !ok {
		return StateUndefined, fmt.Errorf("unknown slot %q", label)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.record.States[label]; ok {
		return st, nil
	}
	return StateUndefined, nil
}

// MarkValid implements BootManager.
func (s *FileStore) MarkValid(label string) error {
	if _, ok := s.slot(label); !ok {
		return fmt.Errorf("unknown slot %q", label)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record.clone()
	rec.States[label] = StateValid
	return s.saveRecord(rec)
}

func (r bootRecord) clone() bootRecord {
	out := bootRecord{Boot: r.Boot, States: make(map[string]SlotState, len(r.States))}
	for k, v := range r.States {
		out.States[k] = v
	}
	return out
}

type fileTx struct {
	store   *FileStore
	slot    Slot
	size    int64
	written int64
	part    string
	f       *os.File
	done    bool
}

func (t *fileTx) WriteChunk(p []byte) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	if t.written+int64(len(p)) > t.size {
		return fmt.Errorf("write past declared size %d", t.size)
	}
	n, err := t.f.Write(p)
	t.written += int64(n)
	return err
}

func (t *fileTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true

	if t.written != t.size {
		t.discard()
		return fmt.Errorf("wrote %d of %d bytes", t.written, t.size)
	}
	if err := t.f.Sync(); err != nil {
		t.discard()
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := t.f.Close(); err != nil {
		os.Remove(t.part)
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := os.Rename(t.part, t.store.imagePath(t.slot.Label)); err != nil {
		os.Remove(t.part)
		return fmt.Errorf("failed to install image: %w", err)
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record.clone()
	rec.Boot = t.slot.Label
	rec.States[t.slot.Label] = StatePendingVerify
	if err := s.saveRecord(rec); err != nil {
		return fmt.Errorf("failed to set boot slot: %w", err)
	}

	glog.Infof("Slot %s committed (%d bytes), set as boot target", t.slot.Label, t.size)
	return nil
}

func (t *fileTx) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.discard()
}

func (t *fileTx) discard() error {
	t.f.Close()
	if err := os.Remove(t.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
