package ota

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/storage"
)

// FlashCommitter writes a verified image to a spare slot.
type FlashCommitter struct {
	Store storage.Store
	// ReservedSlot is never written, even when offered first.
	ReservedSlot string
	ChunkSize    int
	YieldDelay   time.Duration
	Progress     ProgressFunc
	Sleep        func(ctx context.Context, d time.Duration) error

	installing atomic.Bool
}

// Installing reports whether a slot write is in progress.
func (c *FlashCommitter) Installing() bool {
	return c.installing.Load()
}

// SelectSlot returns the first update candidate that is not the reserved
// slot.
func (c *FlashCommitter) SelectSlot() (storage.Slot, error) {
	seen := make(map[string]bool)
	after := ""
	for {
		slot, err := c.Store.NextUpdateSlot(after)
		if errors.Is(err, storage.ErrNoSlot) {
			return storage.Slot{}, &NoWritableSlotError{Reserved: c.ReservedSlot}
		}
		if err != nil {
			return storage.Slot{}, &NoWritableSlotError{Reserved: c.ReservedSlot, Err: err}
		}
		if seen[slot.Label] {
			return storage.Slot{}, &NoWritableSlotError{Reserved: c.ReservedSlot}
		}
		seen[slot.Label] = true

		if slot.Label != c.ReservedSlot {
			return slot, nil
		}
		glog.Warningf("Slot %s is reserved, trying next", slot.Label)
		after = slot.Label
	}
}

// Commit writes sess.Image and makes its slot the boot target. Any failure
// aborts the transaction so the previous boot slot stays selected. The image
// is consumed whether or not the write succeeds.
func (c *FlashCommitter) Commit(ctx context.Context, sess *UpdateSession) error {
	img := sess.Image
	if img == nil || img.Payload == nil {
		return &FlashWriteError{Err: errors.New("no verified image")}
	}
	defer func() {
		img.Payload = nil
		sess.Download.release()
	}()

	slot, err := c.SelectSlot()
	if err != nil {
		return err
	}

	c.installing.Store(true)
	defer c.installing.Store(false)
	c.Progress.emit(Progress{Phase: PhaseInstalling, Percent: 0})

	size := int64(len(img.Payload))
	glog.Infof("Writing %d bytes to slot %s", size, slot.Label)
	tx, err := c.Store.BeginWrite(slot, size)
	if err != nil {
		return &FlashWriteError{Slot: slot.Label, Err: err}
	}

	chunk := c.ChunkSize
	if chunk <= 0 {
		chunk = 16 * 1024
	}
	for off := int64(0); off < size; off += int64(chunk) {
		end := off + int64(chunk)
		if end > size {
			end = size
		}
		if err := tx.WriteChunk(img.Payload[off:end]); err != nil {
			c.abort(tx, slot)
			return &FlashWriteError{Slot: slot.Label, Offset: off, Err: err}
		}
		c.Progress.emit(Progress{Phase: PhaseInstalling, Percent: percentOf(end, size)})

		if err := c.sleep(ctx, c.YieldDelay); err != nil {
			c.abort(tx, slot)
			return &FlashWriteError{Slot: slot.Label, Offset: end, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		c.abort(tx, slot)
		return &FlashWriteError{Slot: slot.Label, Offset: size, Err: err}
	}

	sess.Slot = slot
	glog.Infof("Slot %s written, restart to take effect", slot.Label)
	return nil
}

func (c *FlashCommitter) abort(tx storage.Tx, slot storage.Slot) {
	if err := tx.Abort(); err != nil {
		glog.Errorf("Failed to abort write to slot %s: %v", slot.Label, err)
	}
}

func (c *FlashCommitter) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}
