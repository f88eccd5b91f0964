// Package ota implements the firmware-side OTA session: the transfer
// buffer, the digest verifier and the state machine that orders them.
package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
	"github.com/dk731/esp32-gatt-ota/internal/flash"
)

// Machine states.
const (
	StateIdle       = "idle"
	StateReceiving  = "receiving"
	StateVerifying  = "verifying"
	StateSuccess    = "success"
	StateFailure    = "failure"
	StateTerminated = "terminated"
)

// Machine events.
const (
	eventStart   = "start"
	eventClear   = "clear"
	eventVerify  = "verify"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventReset   = "reset"
)

// DefaultResetDelay is how long ResetDevice waits after acknowledging the
// command before rebooting.
const DefaultResetDelay = 500 * time.Millisecond

// Rebooter restarts the device into the selected boot partition.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func(ctx context.Context) error

func (f RebootFunc) Reboot(ctx context.Context) error { return f(ctx) }

// Progress is a snapshot of the transfer position.
type Progress struct {
	Written uint32
	Total   uint32
}

// Percent returns completion in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Written) * 100 / float64(p.Total)
}

// session is the live transfer. It exists from start until clear, a
// successful commit or a fatal error.
type session struct {
	id      uint64
	buf     *Buffer
	ver     *Verifier
	started time.Time
}

type config struct {
	logger     *slog.Logger
	listeners  Listeners
	alg        crypto.Algorithm
	rebooter   Rebooter
	resetDelay time.Duration
}

// Option configures a Machine.
type Option func(*config)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithListener adds a listener for status, progress and completion events.
func WithListener(l Listener) Option {
	return func(c *config) { c.listeners = append(c.listeners, l) }
}

// WithAlgorithm selects the image digest algorithm. Defaults to SHA-256.
func WithAlgorithm(a crypto.Algorithm) Option {
	return func(c *config) { c.alg = a }
}

// WithRebooter sets the collaborator invoked by ResetDevice.
func WithRebooter(r Rebooter) Option {
	return func(c *config) { c.rebooter = r }
}

// WithResetDelay sets the pause between acknowledging ResetDevice and
// rebooting.
func WithResetDelay(d time.Duration) Option {
	return func(c *config) { c.resetDelay = d }
}

// Machine is the OTA session state machine. All methods are safe for
// concurrent use; every mutation is serialized by one lock. Listeners are
// called with that lock held and must not call back into the Machine.
type Machine struct {
	mu     sync.Mutex
	fsm    *fsm.FSM
	dev    flash.Device
	layout flash.Layout
	cfg    config
	log    *slog.Logger

	sess     *session
	nextID   uint64
	// committed is set once an image has been marked bootable. The target
	// stays selected for the next boot until another session starts.
	committed bool
	status   protocol.Status
	last     Progress
	finished []byte
	resetAt  *time.Timer
}

// NewMachine returns an idle machine writing images into layout.Target.
func NewMachine(dev flash.Device, layout flash.Layout, opts ...Option) (*Machine, error) {
	cfg := config{alg: crypto.SHA256, resetDelay: DefaultResetDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if _, err := cfg.alg.New(); err != nil {
		return nil, fmt.Errorf("ota: %w", err)
	}
	if layout.Limit() == 0 {
		return nil, fmt.Errorf("ota: %w", flash.ErrNoUpdatePartition)
	}
	m := &Machine{
		dev:      dev,
		layout:   layout,
		cfg:      cfg,
		log:      cfg.logger,
		status:   protocol.StatusIdle,
		finished: protocol.EncodeFinished(false, 0),
	}
	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle, StateSuccess, StateFailure}, Dst: StateReceiving},
			{Name: eventClear, Src: []string{StateReceiving, StateSuccess, StateFailure}, Dst: StateIdle},
			{Name: eventVerify, Src: []string{StateReceiving}, Dst: StateVerifying},
			{Name: eventSucceed, Src: []string{StateVerifying}, Dst: StateSuccess},
			{Name: eventFail, Src: []string{StateReceiving, StateVerifying}, Dst: StateFailure},
			{Name: eventReset, Src: []string{StateIdle, StateReceiving, StateVerifying, StateSuccess, StateFailure}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { m.enterState(e) },
		},
	)
	m.log.Info("[OTA] ready",
		"target", m.layout.Target.Label,
		"max_image_size", m.layout.Limit(),
		"digest", string(cfg.alg),
	)
	return m, nil
}

// enterState runs inside fsm.Event, with m.mu held by the caller.
func (m *Machine) enterState(e *fsm.Event) {
	var cause error
	if len(e.Args) > 0 {
		cause, _ = e.Args[0].(error)
	}
	m.log.Debug("[OTA] transition", "event", e.Event, "from", e.Src, "to", e.Dst)
	if s, ok := statusOf(e.Dst); ok {
		m.status = s
	}
	m.cfg.listeners.OnStatus(m.status, cause)
}

func statusOf(state string) (protocol.Status, bool) {
	switch state {
	case StateIdle:
		return protocol.StatusIdle, true
	case StateReceiving:
		return protocol.StatusReceiving, true
	case StateVerifying:
		return protocol.StatusVerifying, true
	case StateSuccess:
		return protocol.StatusSuccess, true
	case StateFailure:
		return protocol.StatusFailure, true
	default:
		return 0, false
	}
}

// fire drives the fsm. The transition table is checked by the callers, so
// an error here is a bug in the table.
func (m *Machine) fire(ctx context.Context, event string, cause error) error {
	var args []any
	if cause != nil {
		args = append(args, cause)
	}
	if err := m.fsm.Event(ctx, event, args...); err != nil {
		return fmt.Errorf("ota: %s from %s: %w", event, m.fsm.Current(), err)
	}
	return nil
}

// reject reports err without changing state, so a polling sender still
// observes the outcome of its write.
func (m *Machine) reject(err error) error {
	m.log.Warn("[OTA] rejected", "state", m.fsm.Current(), "error", err)
	m.cfg.listeners.OnStatus(m.status, err)
	return err
}

// fail ends the live session and enters Failure.
func (m *Machine) fail(ctx context.Context, err error) error {
	m.log.Error("[OTA] transfer failed",
		"kind", KindOf(err).String(),
		"written", m.last.Written,
		"total", m.last.Total,
		"error", err,
	)
	m.sess = nil
	if ferr := m.fire(ctx, eventFail, err); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

func (m *Machine) terminated() bool {
	return m.fsm.Current() == StateTerminated
}

// HandleCommand dispatches a decoded command byte.
func (m *Machine) HandleCommand(ctx context.Context, cmd protocol.Command) error {
	switch cmd {
	case protocol.CommandStartTransfer:
		return m.StartTransfer(ctx)
	case protocol.CommandClearTransfer:
		return m.ClearTransfer(ctx)
	case protocol.CommandResetDevice:
		return m.ResetDevice(ctx)
	case protocol.CommandStartForceTransfer:
		return m.StartForceTransfer(ctx)
	default:
		return m.ReportViolation(ctx, fmt.Errorf("%w: %v", protocol.ErrUnknownCommand, cmd))
	}
}

// StartTransfer opens a new session. It is rejected while another session
// is receiving or verifying.
func (m *Machine) StartTransfer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated() {
		return ErrTerminated
	}
	switch m.fsm.Current() {
	case StateReceiving, StateVerifying:
		return m.reject(protocolError("start transfer", ErrSessionActive))
	}
	return m.start(ctx)
}

// StartForceTransfer opens a new session, discarding any receiving one.
func (m *Machine) StartForceTransfer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated() {
		return ErrTerminated
	}
	switch m.fsm.Current() {
	case StateVerifying:
		return m.reject(protocolError("start force transfer", ErrBusy))
	case StateReceiving:
		m.log.Warn("[OTA] superseding active transfer", "session", m.sess.id, "written", m.last.Written)
		if err := m.clear(ctx); err != nil {
			return err
		}
	}
	return m.start(ctx)
}

// start requires m.mu and a state that accepts eventStart. A committed
// target is deselected before any of it is erased.
func (m *Machine) start(ctx context.Context) error {
	ver, err := NewVerifier(m.cfg.alg)
	if err != nil {
		return fmt.Errorf("ota: %w", err)
	}
	if m.committed {
		if err := m.dev.MarkBootable(m.layout.Running); err != nil {
			return m.reject(storageError("restore boot partition", err))
		}
		m.committed = false
		m.log.Info("[OTA] boot selection restored", "partition", m.layout.Running.Label, "target", m.layout.Target.Label)
	}
	m.nextID++
	m.sess = &session{
		id:      m.nextID,
		buf:     NewBuffer(m.dev, m.layout.Target, m.layout.Limit()),
		ver:     ver,
		started: time.Now(),
	}
	m.last = Progress{}
	m.finished = protocol.EncodeFinished(false, 0)
	m.log.Info("[OTA] transfer started", "session", m.sess.id, "target", m.layout.Target.Label)
	return m.fire(ctx, eventStart, nil)
}

// ClearTransfer discards the session without committing anything.
func (m *Machine) ClearTransfer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated() {
		return ErrTerminated
	}
	switch m.fsm.Current() {
	case StateIdle:
		return m.reject(protocolError("clear transfer", ErrNoSession))
	case StateVerifying:
		return m.reject(protocolError("clear transfer", ErrBusy))
	}
	return m.clear(ctx)
}

func (m *Machine) clear(ctx context.Context) error {
	if m.sess != nil {
		m.log.Info("[OTA] transfer cleared", "session", m.sess.id, "written", m.last.Written)
	}
	m.sess = nil
	m.last = Progress{}
	m.finished = protocol.EncodeFinished(false, 0)
	return m.fire(ctx, eventClear, nil)
}

// ResetDevice acknowledges the command on the status characteristic, then
// reboots after the configured delay. Every later call fails with
// ErrTerminated.
func (m *Machine) ResetDevice(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated() {
		return ErrTerminated
	}
	if m.fsm.Current() == StateReceiving {
		m.log.Warn("[OTA] reset during transfer, image left uncommitted", "written", m.last.Written)
	}
	m.sess = nil
	if err := m.fire(ctx, eventReset, nil); err != nil {
		return err
	}
	if m.cfg.rebooter == nil {
		m.log.Warn("[OTA] reset requested but no rebooter configured")
		return nil
	}
	m.log.Info("[OTA] rebooting", "delay", m.cfg.resetDelay)
	rb := m.cfg.rebooter
	m.resetAt = time.AfterFunc(m.cfg.resetDelay, func() {
		if err := rb.Reboot(context.WithoutCancel(ctx)); err != nil {
			m.log.Error("[OTA] reboot failed", "error", err)
		}
	})
	return nil
}

// DeclareTotalSize records the image size for the receiving session.
func (m *Machine) DeclareTotalSize(ctx context.Context, n uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireReceiving("declare total size"); err != nil {
		return err
	}
	if err := m.sess.buf.DeclareTotalSize(n); err != nil {
		return m.fail(ctx, err)
	}
	m.last = Progress{Written: 0, Total: n}
	m.log.Info("[OTA] total size declared", "session", m.sess.id, "size", n)
	m.cfg.listeners.OnProgress(0, n)
	return nil
}

// SetExpectedHash records the sender's digest. It may arrive before,
// during or after the blocks.
func (m *Machine) SetExpectedHash(ctx context.Context, d crypto.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireReceiving("set expected hash"); err != nil {
		return err
	}
	m.sess.ver.Expect(d)
	m.log.Debug("[OTA] expected digest set", "session", m.sess.id, "digest", d.String())
	return nil
}

// WriteBlock appends the next image block. Bound violations and storage
// errors end the session in Failure.
func (m *Machine) WriteBlock(ctx context.Context, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireReceiving("write block"); err != nil {
		return err
	}
	buf := m.sess.buf
	if err := buf.CheckAppend(len(chunk)); err != nil {
		return m.fail(ctx, err)
	}
	m.sess.ver.Update(chunk)
	if err := buf.Append(chunk); err != nil {
		return m.fail(ctx, err)
	}
	total, _ := buf.TotalSize()
	m.last = Progress{Written: buf.BytesWritten(), Total: total}
	m.cfg.listeners.OnProgress(m.last.Written, m.last.Total)
	return nil
}

// requireReceiving rejects operations outside a receiving session. It
// requires m.mu.
func (m *Machine) requireReceiving(op string) error {
	if m.terminated() {
		return ErrTerminated
	}
	if m.fsm.Current() != StateReceiving {
		return m.reject(protocolError(op, fmt.Errorf("%w: %s", ErrWrongState, m.fsm.Current())))
	}
	return nil
}

// ReportViolation records sender input that could not be decoded. A
// receiving session fails; otherwise the error is only reported.
func (m *Machine) ReportViolation(ctx context.Context, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated() {
		return ErrTerminated
	}
	err = classify("decode", err)
	if m.fsm.Current() == StateReceiving {
		return m.fail(ctx, err)
	}
	return m.reject(err)
}

// BeginFinalize moves a complete receiving session to Verifying. An
// incomplete image is rejected and the session keeps receiving.
func (m *Machine) BeginFinalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireReceiving("finalize"); err != nil {
		return err
	}
	buf := m.sess.buf
	if !buf.Complete() {
		total, _ := buf.TotalSize()
		return m.reject(protocolError("finalize",
			fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, buf.BytesWritten(), total)))
	}
	return m.fire(ctx, eventVerify, nil)
}

// CompleteFinalize checks the digest and commits the target partition.
// Success is entered only after the partition is marked bootable.
func (m *Machine) CompleteFinalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated() {
		return ErrTerminated
	}
	if m.fsm.Current() != StateVerifying {
		return m.reject(protocolError("complete finalize", fmt.Errorf("%w: %s", ErrWrongState, m.fsm.Current())))
	}
	sess := m.sess
	if err := sess.ver.Finalize(); err != nil {
		return m.fail(ctx, err)
	}
	if err := m.dev.MarkBootable(sess.buf.Partition()); err != nil {
		return m.fail(ctx, storageError("commit", err))
	}
	m.committed = true
	size := sess.buf.BytesWritten()
	m.finished = protocol.EncodeFinished(true, size)
	m.sess = nil
	m.log.Info("[OTA] image committed",
		"session", sess.id,
		"partition", sess.buf.Partition().Label,
		"size", size,
		"elapsed", time.Since(sess.started).Round(time.Millisecond),
	)
	if err := m.fire(ctx, eventSucceed, nil); err != nil {
		return err
	}
	m.cfg.listeners.OnFinished(size)
	return nil
}

// Finalize runs BeginFinalize and CompleteFinalize back to back.
func (m *Machine) Finalize(ctx context.Context) error {
	if err := m.BeginFinalize(ctx); err != nil {
		return err
	}
	return m.CompleteFinalize(ctx)
}

// Connected records a new central.
func (m *Machine) Connected(_ context.Context, peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("[OTA] central connected", "peer", peer, "state", m.fsm.Current())
}

// Disconnected records a lost central. A receiving session is frozen, not
// cleared; the sender must start over. Listeners see the freeze as a
// transport failure on the unchanged status.
func (m *Machine) Disconnected(_ context.Context, peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() == StateReceiving {
		err := &Error{Kind: KindTransportFailure, Op: "receive", Err: ErrDisconnected}
		m.log.Warn("[OTA] session frozen", "peer", peer, "written", m.last.Written, "total", m.last.Total, "error", err)
		m.cfg.listeners.OnStatus(m.status, err)
		return
	}
	m.log.Info("[OTA] central disconnected", "peer", peer)
}

// Status returns the current status byte.
func (m *Machine) Status() protocol.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the current machine state name.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Progress returns the position of the current or most recent transfer.
func (m *Machine) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// TotalSize returns the declared size of the live session.
func (m *Machine) TotalSize() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0, false
	}
	return m.sess.buf.TotalSize()
}

// ExpectedHash returns the digest declared for the live session.
func (m *Machine) ExpectedHash() (crypto.Digest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return crypto.Digest{}, false
	}
	return m.sess.ver.Expected()
}

// FinishedValue returns the finished_upload characteristic value.
func (m *Machine) FinishedValue() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.finished))
	copy(out, m.finished)
	return out
}

// ReadyToFinalize reports whether a finalize signal would be accepted.
func (m *Machine) ReadyToFinalize() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current() == StateReceiving && m.sess != nil && m.sess.buf.Complete()
}

// Close stops a pending reboot timer.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetAt != nil {
		m.resetAt.Stop()
	}
}
