package event

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/iot-go-sdk/fwupdate/pkg/ota"
)

func TestBusPriorityOrder(t *testing.T) {
	b := NewBus(2)
	b.Start()
	defer b.Stop()

	var order []int
	for _, p := range []int{1, 10, 5} {
		p := p
		if _, err := b.SubscribeWithPriority(OTAProgress, func(*Event) error {
			order = append(order, p)
			return nil
		}, p, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Publish(New(OTAProgress, "test", nil)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if diff := cmp.Diff([]int{10, 5, 1}, order); diff != "" {
		t.Errorf("handler order mismatch (-want +got):\n%s", diff)
	}
}

func TestBusAsyncAndErrors(t *testing.T) {
	b := NewBus(4)
	b.Start()
	defer b.Stop()

	var calls atomic.Int32
	for i := 0; i < 8; i++ {
		b.SubscribeAsync(OTAComplete, func(*Event) error {
			calls.Add(1)
			return nil
		})
	}
	boom := errors.New("boom")
	b.Subscribe(OTAComplete, func(*Event) error { return boom })
	b.Subscribe(OTAComplete, func(*Event) error { panic("bad handler") })

	err := b.Publish(New(OTAComplete, "test", nil))
	if !errors.Is(err, boom) {
		t.Errorf("Publish() = %v, want boom", err)
	}
	if got := calls.Load(); got != 8 {
		t.Errorf("async handlers ran %d times, want 8", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(1)
	b.Start()

	n := 0
	cancel, err := b.Subscribe(OTAFailed, func(*Event) error { n++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(OTAFailed, nil); err == nil {
		t.Error("Subscribe(nil) succeeded")
	}
	b.Publish(New(OTAFailed, "test", nil))
	cancel()
	b.Publish(New(OTAFailed, "test", nil))
	if n != 1 || b.SubscriberCount(OTAFailed) != 0 {
		t.Errorf("calls = %d, subscribers = %d", n, b.SubscriberCount(OTAFailed))
	}

	b.Stop()
	b.Stop()
	if err := b.Publish(New(OTAFailed, "test", nil)); !errors.Is(err, ErrStopped) {
		t.Errorf("Publish() after Stop = %v", err)
	}
}

func TestPublishResult(t *testing.T) {
	b := NewBus(1)
	b.Start()
	defer b.Stop()

	var (
		mu  sync.Mutex
		got []*Event
	)
	for _, typ := range []Type{OTAComplete, OTAFailed, OTANoUpdate, OTAProgress, ActivationResult} {
		b.Subscribe(typ, func(e *Event) error {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
			return nil
		})
	}

	sess := ota.NewUpdateSession("1.0.0")
	sess.State = ota.StateFailed
	sess.FailedAt = ota.StateVerifying
	sess.Manifest = &ota.FirmwareManifest{FirmwareVersion: "1.1.0"}
	runErr := &ota.IntegrityError{Method: ota.DigestMD5, Expected: "aa", Actual: "bb"}
	if err := PublishResult(b, sess, runErr); err != nil {
		t.Fatal(err)
	}

	sess2 := ota.NewUpdateSession("1.0.0")
	sess2.State = ota.StateNoUpdate
	sess2.Outcome = ota.OutcomeUpToDate
	PublishResult(b, sess2, nil)

	// Non-terminal sessions publish nothing.
	PublishResult(b, ota.NewUpdateSession("1.0.0"), nil)

	ProgressObserver(b)(ota.Progress{Phase: ota.PhaseDownloading, Percent: 42})
	PublishActivation(b, ota.ActivationPending, nil)

	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	want := Result{
		SessionID:      sess.ID,
		State:          ota.StateFailed,
		FailedAt:       ota.StateVerifying,
		RunningVersion: "1.0.0",
		TargetVersion:  "1.1.0",
		Error:          runErr.Error(),
	}
	if got[0].Type != OTAFailed {
		t.Errorf("first event type = %s", got[0].Type)
	}
	if diff := cmp.Diff(want, got[0].Data); diff != "" {
		t.Errorf("failed payload mismatch (-want +got):\n%s", diff)
	}
	if r := got[1].Data.(Result); got[1].Type != OTANoUpdate || r.Outcome != "up-to-date" {
		t.Errorf("noupdate event = %s %+v", got[1].Type, r)
	}
	if p := got[2].Data.(ota.Progress); p.Percent != 42 {
		t.Errorf("progress payload = %+v", p)
	}
	if a := got[3].Data.(Activation); a.Result != "pending" {
		t.Errorf("activation payload = %+v", a)
	}
}
