package ota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/auth"
	"github.com/iot-go-sdk/fwupdate/pkg/settings"
	"github.com/iot-go-sdk/fwupdate/pkg/storage"
	"github.com/iot-go-sdk/fwupdate/pkg/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iot-go-sdk/fwupdate/pkg/ota"

// ErrBusy is returned when a run is started while another is in progress.
var ErrBusy = errors.New("ota: update already in progress")

// Options configures an Engine.
type Options struct {
	Opener   transport.Opener
	Store    storage.Store
	Boot     storage.BootManager
	Settings settings.Store
	Signer   auth.Signer
	Clock    ClockSetter
	Memory   func() (uint64, error)

	// CheckURL is the manifest endpoint. When empty, board.ota_url from
	// settings is used.
	CheckURL  string
	Serial    string
	BoardName string
	// DefaultVersion is reported when settings hold no board.version.
	DefaultVersion string

	// Download defaults to DefaultDownloadPolicy when zero.
	Download        DownloadPolicy
	Digest          DigestMethod
	AllowUnverified bool
	FlashChunkSize  int
	FlashYield      time.Duration
	ReservedSlot    string

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Status is a snapshot of the engine for remote status queries.
type Status struct {
	SessionID      string `json:"session_id,omitempty"`
	State          State  `json:"state"`
	FailedAt       State  `json:"failed_at,omitempty"`
	Phase          Phase  `json:"phase,omitempty"`
	Percent        int    `json:"percent"`
	Throughput     int64  `json:"throughput"`
	RunningVersion string `json:"running_version"`
	TargetVersion  string `json:"target_version,omitempty"`
	Installing     bool   `json:"installing"`
	Error          string `json:"error,omitempty"`
}

// Engine composes the update phases into the update state machine. It
// never restarts the device; after StateCommitted the caller decides when
// to reboot.
type Engine struct {
	Checker    *VersionCheckClient
	Downloader *Downloader
	Verifier   *ImageVerifier
	Committer  *FlashCommitter
	Activator  *ActivationClient

	settings       settings.Store
	boot           storage.BootManager
	checkURL       string
	defaultVersion string
	tracer         trace.Tracer

	observers observers
	runMu     sync.Mutex

	mu      sync.Mutex
	current *UpdateSession
	status  Status
}

// NewEngine wires the phase components from o.
func NewEngine(o Options) *Engine {
	if o.Settings == nil {
		o.Settings = settings.NewMemory()
	}
	if o.Download == (DownloadPolicy{}) {
		o.Download = DefaultDownloadPolicy()
	}
	tryAgain := o.Download.TryAgainDelay

	e := &Engine{
		settings:       o.Settings,
		boot:           o.Boot,
		checkURL:       o.CheckURL,
		defaultVersion: o.DefaultVersion,
		tracer:         otel.Tracer(tracerName),
		status:         Status{State: StateIdle},
	}
	progress := ProgressFunc(e.dispatch)

	e.Checker = &VersionCheckClient{
		Opener:        o.Opener,
		Settings:      o.Settings,
		Clock:         o.Clock,
		Serial:        o.Serial,
		BoardName:     o.BoardName,
		TryAgainDelay: tryAgain,
	}
	e.Downloader = &Downloader{
		Opener:   o.Opener,
		Header:   DeviceHeaders(o.Serial),
		Policy:   o.Download,
		Progress: progress,
		Memory:   o.Memory,
		Now:      o.Now,
		Sleep:    o.Sleep,
	}
	e.Verifier = &ImageVerifier{
		Method:          o.Digest,
		AllowUnverified: o.AllowUnverified,
		Progress:        progress,
	}
	e.Committer = &FlashCommitter{
		Store:        o.Store,
		ReservedSlot: o.ReservedSlot,
		ChunkSize:    o.FlashChunkSize,
		YieldDelay:   o.FlashYield,
		Progress:     progress,
		Sleep:        o.Sleep,
	}
	e.Activator = &ActivationClient{
		Opener:        o.Opener,
		Serial:        o.Serial,
		Signer:        o.Signer,
		TryAgainDelay: tryAgain,
	}
	return e
}

// AddObserver registers fn for progress reports.
func (e *Engine) AddObserver(fn Observer) {
	e.observers.add(fn)
}

// RunningVersion returns the recorded firmware version.
func (e *Engine) RunningVersion() string {
	if v, err := e.settings.GetString(settings.NamespaceBoard, settings.KeyVersion); err == nil && v != "" {
		return v
	}
	return e.defaultVersion
}

// CheckURL returns the manifest endpoint in use.
func (e *Engine) CheckURL() string {
	if e.checkURL != "" {
		return e.checkURL
	}
	url, _ := e.settings.GetString(settings.NamespaceBoard, settings.KeyOTAURL)
	return url
}

// Status returns a snapshot of the current or last run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.status
	e.mu.Unlock()
	s.Installing = e.Committer.Installing()
	if s.RunningVersion == "" {
		s.RunningVersion = e.RunningVersion()
	}
	return s
}

// Check runs only the version check. On success the session holds the
// manifest and any activation challenge and is left in
// StateCheckingVersion.
func (e *Engine) Check(ctx context.Context) (*UpdateSession, error) {
	sess := NewUpdateSession(e.RunningVersion())
	ctx, span := e.tracer.Start(ctx, "ota.Check", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
	))
	defer span.End()

	sess.State = StateCheckingVersion
	if err := e.check(ctx, sess); err != nil {
		sess.FailedAt = sess.State
		sess.State = StateFailed
		sess.Err = err
		recordError(span, err)
		return sess, err
	}
	return sess, nil
}

// Run executes one pipeline run and returns the session in a terminal
// state. A failed run returns the phase's error unchanged.
func (e *Engine) Run(ctx context.Context) (*UpdateSession, error) {
	if !e.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer e.runMu.Unlock()

	sess := NewUpdateSession(e.RunningVersion())
	ctx, span := e.tracer.Start(ctx, "ota.Run", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("version.running", sess.RunningVersion),
	))
	defer span.End()

	e.begin(sess)

	e.transition(sess, StateCheckingVersion)
	if err := e.phase(ctx, "check", func(ctx context.Context) error { return e.check(ctx, sess) }); err != nil {
		return sess, e.fail(span, sess, err)
	}
	m := sess.Manifest
	if !m.HasNewVersion() {
		sess.Outcome = OutcomeUpToDate
		e.transition(sess, StateNoUpdate)
		return sess, nil
	}
	e.setTarget(m.FirmwareVersion)
	span.SetAttributes(attribute.String("version.target", m.FirmwareVersion))

	e.transition(sess, StateDownloading)
	if err := e.phase(ctx, "download", func(ctx context.Context) error {
		return e.Downloader.Download(ctx, sess, m.FirmwareURL)
	}); err != nil {
		return sess, e.fail(span, sess, err)
	}

	e.transition(sess, StateVerifying)
	var outcome Outcome
	if err := e.phase(ctx, "verify", func(context.Context) error {
		var err error
		outcome, err = e.Verifier.Verify(sess)
		return err
	}); err != nil {
		return sess, e.fail(span, sess, err)
	}
	sess.Outcome = outcome
	if outcome == OutcomeSameVersionSkipped {
		e.transition(sess, StateNoUpdate)
		return sess, nil
	}

	e.transition(sess, StateInstalling)
	if err := e.phase(ctx, "install", func(ctx context.Context) error {
		return e.Committer.Commit(ctx, sess)
	}); err != nil {
		return sess, e.fail(span, sess, err)
	}

	if err := e.settings.SetString(settings.NamespaceBoard, settings.KeyOTAVersion, sess.Image.Version); err != nil {
		glog.Warningf("Failed to record installed version: %v", err)
	}
	e.transition(sess, StateCommitted)
	glog.Infof("Firmware %s committed to slot %s", sess.Image.Version, sess.Slot.Label)
	return sess, nil
}

// Activate answers the session's activation challenge. The challenge is
// consumed whatever the result; a retry needs a fresh Check.
func (e *Engine) Activate(ctx context.Context, sess *UpdateSession) (ActivationResult, error) {
	ch := sess.Challenge
	sess.Challenge = nil
	if ch == nil {
		return ActivationNotApplicable, ErrNoChallenge
	}

	ctx, span := e.tracer.Start(ctx, "ota.Activate", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
	))
	defer span.End()

	res, err := e.Activator.Activate(ctx, e.CheckURL(), ch)
	if err != nil {
		recordError(span, err)
		return res, err
	}
	span.SetAttributes(attribute.String("activation.result", res.String()))
	return res, nil
}

// ConfirmBoot marks a freshly installed image as good once it is running.
// Images running from the factory slot, or already confirmed, are left
// alone.
func (e *Engine) ConfirmBoot(ctx context.Context) error {
	if e.boot == nil {
		return nil
	}
	slot, err := e.boot.RunningSlot()
	if err != nil {
		return err
	}
	if slot.Kind == storage.KindFactory {
		glog.Info("Running from factory slot, skipping")
		return nil
	}

	glog.Infof("Running slot: %s", slot.Label)
	state, err := e.boot.SlotState(slot.Label)
	if err != nil {
		return err
	}
	if state != storage.StatePendingVerify {
		return nil
	}

	glog.Info("Marking firmware as valid")
	if err := e.boot.MarkValid(slot.Label); err != nil {
		return err
	}
	if v, _ := e.settings.GetString(settings.NamespaceBoard, settings.KeyOTAVersion); v != "" {
		if err := e.settings.SetString(settings.NamespaceBoard, settings.KeyVersion, v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) check(ctx context.Context, sess *UpdateSession) error {
	m, ch, err := e.Checker.Check(ctx, e.CheckURL(), sess.RunningVersion)
	if err != nil {
		return err
	}
	sess.Manifest = m
	sess.Challenge = ch
	return nil
}

func (e *Engine) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "ota."+name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		recordError(span, err)
	}
	return err
}

func (e *Engine) begin(sess *UpdateSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = sess
	e.status = Status{
		SessionID:      sess.ID,
		State:          sess.State,
		RunningVersion: sess.RunningVersion,
	}
}

func (e *Engine) transition(sess *UpdateSession, st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	glog.V(1).Infof("OTA %s: %s -> %s", sess.ID, sess.State, st)
	sess.State = st
	if st.Terminal() {
		sess.FinishedAt = time.Now()
	}
	e.status.State = st
}

func (e *Engine) setTarget(version string) {
	e.mu.Lock()
	e.status.TargetVersion = version
	e.mu.Unlock()
}

func (e *Engine) fail(span trace.Span, sess *UpdateSession, err error) error {
	e.mu.Lock()
	sess.FailedAt = sess.State
	sess.State = StateFailed
	sess.Err = err
	sess.FinishedAt = time.Now()
	e.status.State = StateFailed
	e.status.FailedAt = sess.FailedAt
	e.status.Error = err.Error()
	e.mu.Unlock()

	glog.Errorf("OTA failed during %s: %v", sess.FailedAt, err)
	recordError(span, err)
	return err
}

// dispatch fans a progress report out to observers unless the current run
// has already failed.
func (e *Engine) dispatch(p Progress) {
	e.mu.Lock()
	if e.current != nil && e.current.State == StateFailed {
		e.mu.Unlock()
		return
	}
	e.status.Phase = p.Phase
	e.status.Percent = p.Percent
	e.status.Throughput = p.Throughput
	e.mu.Unlock()

	e.observers.notify(p)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
