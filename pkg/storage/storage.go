// Package storage defines the firmware slot port the update engine writes
// images through, plus a file-backed implementation for hosts and tests.
package storage

import (
	"errors"
)

// SlotKind distinguishes the factory image from updatable slots.
type SlotKind string

const (
	KindFactory SlotKind = "factory"
	KindOTA     SlotKind = "ota"
)

// SlotState is the boot-confirmation state of a slot.
type SlotState string

const (
	StateUndefined     SlotState = "undefined"
	StateNew           SlotState = "new"
	StatePendingVerify SlotState = "pending-verify"
	StateValid         SlotState = "valid"
	StateInvalid       SlotState = "invalid"
)

// Slot is a storage region able to hold one bootable image.
type Slot struct {
	Label string
	Kind  SlotKind
	Index int
	// Size is the capacity in bytes; zero means unbounded.
	Size int64
}

// ErrNoSlot is returned by NextUpdateSlot when no further candidate exists.
var ErrNoSlot = errors.New("storage: no update slot available")

// Store enumerates writable slots and opens write transactions on them.
type Store interface {
	// NextUpdateSlot returns the update candidate following the slot
	// labelled after, or the first candidate when after is empty.
	NextUpdateSlot(after string) (Slot, error)
	// BeginWrite opens a transaction that will write size bytes to slot.
	BeginWrite(slot Slot, size int64) (Tx, error)
}

// Tx is a single slot write. Until Commit succeeds the slot is never made
// the boot target.
type Tx interface {
	WriteChunk(p []byte) error
	Commit() error
	Abort() error
}

// BootManager reports and confirms the state of the running image.
type BootManager interface {
	RunningSlot() (Slot, error)
	SlotState(label string) (SlotState, error)
	MarkValid(label string) error
}
