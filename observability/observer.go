// Package observability defines the agent's metrics surface. There is no
// structured logging library in play here: free-text diagnostics go through
// the standard log package, and anything worth counting or timing goes
// through an AgentObserver instead.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// AttachResult is the outcome of a control-channel handshake attempt.
type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

// AttachReason further classifies a non-OK AttachResult, or records why an
// OK attach happened (fresh token vs. freshly paired).
type AttachReason string

const (
	AttachReasonTokenValid    AttachReason = "token_valid"
	AttachReasonPaired        AttachReason = "paired"
	AttachReasonMissingPeerID AttachReason = "missing_peer_id"
	AttachReasonBadProtocol   AttachReason = "bad_protocol"
	AttachReasonPairingLocked AttachReason = "pairing_locked"
	AttachReasonInvalidCode   AttachReason = "invalid_code"
	AttachReasonReplaced      AttachReason = "replaced_session"
	AttachReasonUpgradeError  AttachReason = "upgrade_error"
)

// CloseReason records why a session ended.
type CloseReason string

const (
	CloseReasonPeerClosed    CloseReason = "peer_closed"
	CloseReasonReplaced      CloseReason = "replaced"
	CloseReasonWriteError    CloseReason = "write_error"
	CloseReasonReadError     CloseReason = "read_error"
	CloseReasonFrameTooLarge CloseReason = "frame_too_large"
	CloseReasonShutdown      CloseReason = "shutdown"
)

// UploadResult is the terminal outcome of an upload session.
type UploadResult string

const (
	UploadResultComplete  UploadResult = "complete"
	UploadResultCancelled UploadResult = "cancelled"
	UploadResultOrphaned  UploadResult = "orphaned"
)

// AgentObserver receives every metric-worthy event the session, pairing,
// upload, telemetry, and log components produce. All methods must be safe
// for concurrent use and must never block.
type AgentObserver interface {
	SessionCount(n int64)
	Attach(result AttachResult, reason AttachReason)
	Close(reason CloseReason)
	PairAttempt(locked bool)
	PairLockout(remaining time.Duration)

	UploadStarted()
	UploadBytes(n int64)
	UploadFinished(result UploadResult)
	BulkTransferAuthFailed()

	TelemetrySample(ok bool, d time.Duration)
	ConsoleLogDropped(n int)
	GameLogDropped(n int)

	CatalogPatchAttempts(n int, ok bool)
}

type noopAgentObserver struct{}

func (noopAgentObserver) SessionCount(int64)                 {}
func (noopAgentObserver) Attach(AttachResult, AttachReason)  {}
func (noopAgentObserver) Close(CloseReason)                  {}
func (noopAgentObserver) PairAttempt(bool)                   {}
func (noopAgentObserver) PairLockout(time.Duration)          {}
func (noopAgentObserver) UploadStarted()                     {}
func (noopAgentObserver) UploadBytes(int64)                  {}
func (noopAgentObserver) UploadFinished(UploadResult)        {}
func (noopAgentObserver) BulkTransferAuthFailed()             {}
func (noopAgentObserver) TelemetrySample(bool, time.Duration) {}
func (noopAgentObserver) ConsoleLogDropped(int)               {}
func (noopAgentObserver) GameLogDropped(int)                  {}
func (noopAgentObserver) CatalogPatchAttempts(int, bool)      {}

// Noop is a zero-cost observer used when metrics are disabled.
var Noop AgentObserver = noopAgentObserver{}

// Atomic swaps its delegate observer at runtime; Set(nil) falls back to Noop.
type Atomic struct {
	once sync.Once
	v    atomic.Value
}

type holder struct{ obs AgentObserver }

func NewAtomic() *Atomic {
	a := &Atomic{}
	a.once.Do(func() { a.v.Store(&holder{obs: Noop}) })
	return a
}

func (a *Atomic) Set(obs AgentObserver) {
	if obs == nil {
		obs = Noop
	}
	a.once.Do(func() { a.v.Store(&holder{obs: Noop}) })
	a.v.Store(&holder{obs: obs})
}

func (a *Atomic) load() AgentObserver {
	a.once.Do(func() { a.v.Store(&holder{obs: Noop}) })
	return a.v.Load().(*holder).obs
}

func (a *Atomic) SessionCount(n int64)                   { a.load().SessionCount(n) }
func (a *Atomic) Attach(r AttachResult, rs AttachReason) { a.load().Attach(r, rs) }
func (a *Atomic) Close(r CloseReason)                    { a.load().Close(r) }
func (a *Atomic) PairAttempt(locked bool)                { a.load().PairAttempt(locked) }
func (a *Atomic) PairLockout(d time.Duration)            { a.load().PairLockout(d) }
func (a *Atomic) UploadStarted()                         { a.load().UploadStarted() }
func (a *Atomic) UploadBytes(n int64)                    { a.load().UploadBytes(n) }
func (a *Atomic) UploadFinished(r UploadResult)          { a.load().UploadFinished(r) }
func (a *Atomic) BulkTransferAuthFailed()                { a.load().BulkTransferAuthFailed() }
func (a *Atomic) TelemetrySample(ok bool, d time.Duration) {
	a.load().TelemetrySample(ok, d)
}
func (a *Atomic) ConsoleLogDropped(n int)             { a.load().ConsoleLogDropped(n) }
func (a *Atomic) GameLogDropped(n int)                { a.load().GameLogDropped(n) }
func (a *Atomic) CatalogPatchAttempts(n int, ok bool) { a.load().CatalogPatchAttempts(n, ok) }
