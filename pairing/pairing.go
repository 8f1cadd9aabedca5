// Package pairing implements the agent's pairing authority: six-digit code
// generation, brute-force lockout, and opaque token issuance. Lockout state
// is process-local and intentionally not persisted (spec.md §3); authorized
// hub records are persisted through settings.Store.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/capydeploy/agent/internal/base64url"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/settings"
)

const (
	CodeLength       = 6
	CodeExpiry       = 60 * time.Second
	MaxFailedAttempts = 3
	LockoutDuration  = 300 * time.Second
	tokenBytes       = 16 // 128 bits
)

// Pending is the single outstanding pairing request, if any.
type Pending struct {
	Code      string
	PeerID    string
	Name      string
	Platform  string
	ExpiresAt time.Time
}

// Authority holds process-local pairing/lockout state plus the persisted
// authorization records in store.
type Authority struct {
	mu sync.Mutex

	store *settings.Store
	obs   observability.AgentObserver
	now   func() time.Time

	pending        *Pending
	failedAttempts int
	lockoutUntil   time.Time
}

func New(store *settings.Store, obs observability.AgentObserver) *Authority {
	if obs == nil {
		obs = observability.Noop
	}
	return &Authority{store: store, obs: obs, now: time.Now}
}

// WithClock overrides the time source; intended for tests.
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

func (a *Authority) lockoutRemainingLocked() time.Duration {
	if a.lockoutUntil.IsZero() {
		return 0
	}
	remaining := a.lockoutUntil.Sub(a.now())
	if remaining <= 0 {
		a.lockoutUntil = time.Time{}
		a.failedAttempts = 0
		return 0
	}
	return remaining
}

// LockoutRemaining reports how long until a new code may be generated.
func (a *Authority) LockoutRemaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockoutRemainingLocked()
}

// ResetLockout clears the failed-attempt counter and any active lockout.
func (a *Authority) ResetLockout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failedAttempts = 0
	a.lockoutUntil = time.Time{}
}

// GenerateCode produces a fresh six-digit pairing code, overwriting any
// prior pending request. Returns remaining>0 and ok=false if locked out.
func (a *Authority) GenerateCode(peerID, name, platform string) (code string, expiresIn time.Duration, ok bool, remaining time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r := a.lockoutRemainingLocked(); r > 0 {
		return "", 0, false, r
	}

	code = generateDigits()
	a.pending = &Pending{
		Code:      code,
		PeerID:    peerID,
		Name:      name,
		Platform:  platform,
		ExpiresAt: a.now().Add(CodeExpiry),
	}
	return code, CodeExpiry, true, 0
}

// ValidateCode checks a pairing confirmation. On success it mints and
// persists a token and clears pending state. On failure it increments the
// attempt counter, engaging lockout on the third consecutive failure.
func (a *Authority) ValidateCode(peerID, code string) (token string, ok bool, lockedJustNow bool, remaining time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r := a.lockoutRemainingLocked(); r > 0 {
		a.obs.PairAttempt(true)
		return "", false, false, r
	}

	valid := a.pending != nil &&
		a.pending.PeerID == peerID &&
		a.now().Before(a.pending.ExpiresAt) &&
		subtleEqual(a.pending.Code, code)

	if !valid {
		a.failedAttempts++
		lockedNow := a.failedAttempts >= MaxFailedAttempts
		a.obs.PairAttempt(lockedNow)
		if lockedNow {
			a.lockoutUntil = a.now().Add(LockoutDuration)
			a.failedAttempts = 0
			a.pending = nil
			a.obs.PairLockout(LockoutDuration)
			return "", false, true, LockoutDuration
		}
		return "", false, false, 0
	}

	a.failedAttempts = 0
	name := a.pending.Name
	platform := a.pending.Platform
	a.pending = nil
	a.obs.PairAttempt(false)

	tok, err := generateToken()
	if err != nil {
		return "", false, false, 0
	}
	_ = a.store.SetAuthorizedHub(peerID, settings.AuthorizedHub{
		Name:     name,
		Platform: platform,
		Token:    tok,
		PairedAt: a.now().Unix(),
	})
	return tok, true, false, 0
}

// ValidateToken constant-time-compares a presented token against the
// persisted record for peerID.
func (a *Authority) ValidateToken(peerID, token string) bool {
	hub, ok := a.store.AuthorizedHub(peerID)
	if !ok {
		return false
	}
	return subtleEqual(hub.Token, token)
}

func subtleEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func generateDigits() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// crypto/rand failure is not recoverable; the code falls back to
		// the fixed value "000000", which carries no entropy at all.
		n = big.NewInt(0)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64url.Encode(b), nil
}
