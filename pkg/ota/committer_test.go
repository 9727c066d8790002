package ota

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/iot-go-sdk/fwupdate/pkg/ota/otatest"
	"github.com/iot-go-sdk/fwupdate/pkg/storage"
)

var (
	slotA    = storage.Slot{Label: "ota_0", Kind: storage.KindOTA, Index: 1}
	slotB    = storage.Slot{Label: "ota_1", Kind: storage.KindOTA, Index: 2}
	reserved = storage.Slot{Label: "ota_2", Kind: storage.KindOTA, Index: 3}
)

// offer makes store hand out slots in the given order.
func offer(store *MockStore, slots ...storage.Slot) {
	store.EXPECT().NextUpdateSlot(gomock.Any()).DoAndReturn(func(after string) (storage.Slot, error) {
		if after == "" {
			if len(slots) == 0 {
				return storage.Slot{}, storage.ErrNoSlot
			}
			return slots[0], nil
		}
		for i, s := range slots {
			if s.Label == after && i+1 < len(slots) {
				return slots[i+1], nil
			}
		}
		return storage.Slot{}, storage.ErrNoSlot
	}).AnyTimes()
}

func verifiedSession(payload []byte) *UpdateSession {
	sess := NewUpdateSession("1.0.0")
	sess.Download = &DownloadSession{TotalBytes: int64(len(payload)), BytesReceived: int64(len(payload)), Buffer: payload}
	sess.Image = &VerifiedImage{Version: "1.1.0", Payload: payload}
	return sess
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestSelectSlotNeverPicksReserved(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		slots := []storage.Slot{slotA, slotB, reserved}
		r.Shuffle(len(slots), func(i, j int) { slots[i], slots[j] = slots[j], slots[i] })

		ctrl := gomock.NewController(t)
		store := NewMockStore(ctrl)
		offer(store, slots...)
		c := &FlashCommitter{Store: store, ReservedSlot: reserved.Label}

		got, err := c.SelectSlot()
		if err != nil {
			t.Fatalf("order %v: SelectSlot() = %v", slots, err)
		}
		if got.Label == reserved.Label {
			t.Fatalf("order %v: selected reserved slot", slots)
		}
		want := slots[0]
		if want.Label == reserved.Label {
			want = slots[1]
		}
		if got != want {
			t.Errorf("order %v: selected %s, want %s", slots, got.Label, want.Label)
		}
		ctrl.Finish()
	}
}

func TestSelectSlotNoneWritable(t *testing.T) {
	for name, slots := range map[string][]storage.Slot{
		"empty":         nil,
		"only reserved": {reserved},
	} {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			store := NewMockStore(ctrl)
			offer(store, slots...)

			_, err := (&FlashCommitter{Store: store, ReservedSlot: reserved.Label}).SelectSlot()
			var nw *NoWritableSlotError
			if !errors.As(err, &nw) || nw.Reserved != reserved.Label {
				t.Errorf("SelectSlot() = %v, want NoWritableSlotError", err)
			}
		})
	}
}

func TestSelectSlotStopsOnRepeat(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := NewMockStore(ctrl)
	store.EXPECT().NextUpdateSlot(gomock.Any()).Return(reserved, nil).Times(2)

	_, err := (&FlashCommitter{Store: store, ReservedSlot: reserved.Label}).SelectSlot()
	if !errors.As(err, new(*NoWritableSlotError)) {
		t.Errorf("SelectSlot() = %v, want NoWritableSlotError", err)
	}
}

func TestCommitWritesChunks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := NewMockStore(ctrl)
	tx := NewMockTx(ctrl)

	payload := otatest.Image("1.1.0", 40*1024)
	offer(store, reserved, slotB)

	var written bytes.Buffer
	gomock.InOrder(
		store.EXPECT().BeginWrite(slotB, int64(len(payload))).Return(tx, nil),
		tx.EXPECT().WriteChunk(gomock.Any()).DoAndReturn(func(p []byte) error {
			written.Write(p)
			return nil
		}).Times(3),
		tx.EXPECT().Commit().Return(nil),
	)

	var events []Progress
	c := &FlashCommitter{
		Store:        store,
		ReservedSlot: reserved.Label,
		Progress:     func(p Progress) { events = append(events, p) },
		Sleep:        noSleep,
	}
	sess := verifiedSession(payload)
	if err := c.Commit(context.Background(), sess); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
	if !bytes.Equal(written.Bytes(), payload) {
		t.Error("written bytes differ from the image")
	}
	if sess.Slot != slotB {
		t.Errorf("session slot = %+v", sess.Slot)
	}
	if sess.Image.Payload != nil || sess.Download.Buffer != nil {
		t.Error("image buffer not released after commit")
	}
	if c.Installing() {
		t.Error("still installing after commit")
	}

	want := []int{0, 40, 80, 100}
	if len(events) != len(want) {
		t.Fatalf("progress = %+v", events)
	}
	for i, p := range events {
		if p.Phase != PhaseInstalling || p.Percent != want[i] {
			t.Errorf("progress[%d] = %+v, want installing %d%%", i, p, want[i])
		}
	}
}

func TestCommitFailures(t *testing.T) {
	boom := errors.New("flash error")
	payload := otatest.Image("1.1.0", 20*1024)

	for _, tc := range []struct {
		name       string
		expect     func(store *MockStore, tx *MockTx)
		wantOffset int64
	}{
		{
			name: "begin",
			expect: func(store *MockStore, tx *MockTx) {
				store.EXPECT().BeginWrite(slotA, gomock.Any()).Return(nil, boom)
			},
		},
		{
			name: "second chunk",
			expect: func(store *MockStore, tx *MockTx) {
				store.EXPECT().BeginWrite(slotA, gomock.Any()).Return(tx, nil)
				gomock.InOrder(
					tx.EXPECT().WriteChunk(gomock.Any()).Return(nil),
					tx.EXPECT().WriteChunk(gomock.Any()).Return(boom),
					tx.EXPECT().Abort().Return(nil),
				)
			},
			wantOffset: 16 * 1024,
		},
		{
			name: "commit",
			expect: func(store *MockStore, tx *MockTx) {
				store.EXPECT().BeginWrite(slotA, gomock.Any()).Return(tx, nil)
				tx.EXPECT().WriteChunk(gomock.Any()).Return(nil).Times(2)
				gomock.InOrder(
					tx.EXPECT().Commit().Return(boom),
					tx.EXPECT().Abort().Return(nil),
				)
			},
			wantOffset: int64(len(payload)),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			store := NewMockStore(ctrl)
			tx := NewMockTx(ctrl)
			offer(store, slotA, slotB)
			tc.expect(store, tx)

			c := &FlashCommitter{Store: store, Sleep: noSleep}
			sess := verifiedSession(append([]byte(nil), payload...))
			err := c.Commit(context.Background(), sess)

			var fe *FlashWriteError
			if !errors.As(err, &fe) || !errors.Is(err, boom) {
				t.Fatalf("Commit() = %v, want FlashWriteError wrapping %v", err, boom)
			}
			if fe.Slot != slotA.Label || fe.Offset != tc.wantOffset {
				t.Errorf("FlashWriteError = %+v, want offset %d", fe, tc.wantOffset)
			}
			if sess.Slot != (storage.Slot{}) {
				t.Errorf("session slot set to %+v after failure", sess.Slot)
			}
			if sess.Image.Payload != nil {
				t.Error("image buffer not released after failure")
			}
		})
	}
}

func TestCommitCancelledAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := NewMockStore(ctrl)
	tx := NewMockTx(ctrl)
	offer(store, slotA)

	store.EXPECT().BeginWrite(slotA, gomock.Any()).Return(tx, nil)
	tx.EXPECT().WriteChunk(gomock.Any()).Return(nil)
	tx.EXPECT().Abort().Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &FlashCommitter{Store: store, Sleep: noSleep}
	err := c.Commit(ctx, verifiedSession(otatest.Image("1.1.0", 20*1024)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Commit() = %v, want context.Canceled", err)
	}
}

func TestCommitWithoutImage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	c := &FlashCommitter{Store: NewMockStore(ctrl)}
	if err := c.Commit(context.Background(), NewUpdateSession("1.0.0")); !errors.As(err, new(*FlashWriteError)) {
		t.Errorf("Commit() = %v, want FlashWriteError", err)
	}
}
