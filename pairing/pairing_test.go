package pairing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/settings"
)

func newTestAuthority(t *testing.T) (*Authority, *time.Time) {
	t.Helper()
	store, err := settings.Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("settings.Load: %v", err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(store, observability.Noop).WithClock(func() time.Time { return clock })
	return a, &clock
}

func TestGenerateCodeIsSixDigits(t *testing.T) {
	a, _ := newTestAuthority(t)
	code, expiresIn, ok, _ := a.GenerateCode("peer1", "Hub", "linux")
	if !ok {
		t.Fatalf("expected code generation to succeed")
	}
	if len(code) != CodeLength {
		t.Fatalf("expected %d-digit code, got %q", CodeLength, code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit rune in code: %q", code)
		}
	}
	if expiresIn != CodeExpiry {
		t.Fatalf("expiresIn = %v, want %v", expiresIn, CodeExpiry)
	}
}

func TestValidateCodeSuccessResetsCounterAndMintsToken(t *testing.T) {
	a, _ := newTestAuthority(t)
	code, _, _, _ := a.GenerateCode("peer1", "Hub", "linux")

	// Two failures first.
	a.ValidateCode("peer1", "000000")
	a.GenerateCode("peer1", "Hub", "linux")
	a.ValidateCode("peer1", "111111")
	a.GenerateCode("peer1", "Hub", "linux")

	code2, _, _, _ := a.GenerateCode("peer1", "Hub", "linux")
	token, ok, locked, _ := a.ValidateCode("peer1", code2)
	if !ok || locked {
		t.Fatalf("expected success, got ok=%v locked=%v", ok, locked)
	}
	if token == "" {
		t.Fatalf("expected non-empty token")
	}
	if !a.ValidateToken("peer1", token) {
		t.Fatalf("expected minted token to validate")
	}

	// With the counter reset, two more failures stay below the lockout
	// threshold; without the reset they would be the third and fourth.
	code3, _, _, _ := a.GenerateCode("peer1", "Hub", "linux")
	a.ValidateCode("other-peer", code3)
	a.ValidateCode("other-peer", code3)
	if r := a.LockoutRemaining(); r != 0 {
		t.Fatalf("expected no lockout after success reset the counter, got %v", r)
	}
	_ = code
}

func TestLockoutAfterThreeFailures(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.GenerateCode("peer1", "Hub", "linux")

	a.ValidateCode("peer1", "000001")
	if r := a.LockoutRemaining(); r != 0 {
		t.Fatalf("expected no lockout after first failure, got %v", r)
	}
	a.ValidateCode("peer1", "000002")
	if r := a.LockoutRemaining(); r != 0 {
		t.Fatalf("expected no lockout after second failure, got %v", r)
	}
	_, ok, locked, remaining := a.ValidateCode("peer1", "000003")
	if ok || !locked {
		t.Fatalf("expected third failure to trigger lockout, ok=%v locked=%v", ok, locked)
	}
	if remaining <= 0 {
		t.Fatalf("expected positive lockout remaining, got %v", remaining)
	}

	// A fourth attempt, even with a right-looking code, is refused while locked.
	_, ok, _, remaining = a.ValidateCode("peer1", "000003")
	if ok {
		t.Fatalf("expected locked-out attempt to fail")
	}
	if remaining <= 0 {
		t.Fatalf("expected lockout remaining to stay positive")
	}
}

func TestGenerateCodeWhileLockedOutReturnsRemaining(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.GenerateCode("peer1", "Hub", "linux")
	a.ValidateCode("peer1", "000001")
	a.ValidateCode("peer1", "000002")
	a.ValidateCode("peer1", "000003")

	_, _, ok, remaining := a.GenerateCode("peer1", "Hub", "linux")
	if ok {
		t.Fatalf("expected GenerateCode to refuse while locked out")
	}
	if remaining <= 0 {
		t.Fatalf("expected positive remaining lockout")
	}
}

func TestExpiredCodeFailsValidation(t *testing.T) {
	a, clock := newTestAuthority(t)
	code, _, _, _ := a.GenerateCode("peer1", "Hub", "linux")
	*clock = clock.Add(CodeExpiry + time.Second)
	_, ok, _, _ := a.ValidateCode("peer1", code)
	if ok {
		t.Fatalf("expected expired code to fail")
	}
}

func TestValidateTokenUnknownPeer(t *testing.T) {
	a, _ := newTestAuthority(t)
	if a.ValidateToken("nobody", "whatever") {
		t.Fatalf("expected unknown peer to fail token validation")
	}
}
