package session

import (
	"context"
	"encoding/json"

	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/wire"
)

type hubConnectedPayload struct {
	HubID           string `json:"hubId"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	Token           string `json:"token"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type pairConfirmPayload struct {
	Code string `json:"code"`
}

// checkProtocolCompatibility normalizes version 0 to 1 and reports whether
// the version is within [MIN_SUPPORTED, CURRENT].
func checkProtocolCompatibility(v int) (normalized int, ok bool) {
	if v == 0 {
		v = 1
	}
	if v < ProtocolMinSupported || v > ProtocolCurrent {
		return v, false
	}
	return v, true
}

func (s *Session) handleHubConnected(ctx context.Context, f wire.TextFrame) {
	var p hubConnectedPayload
	if f.Payload != nil {
		_ = json.Unmarshal(f.Payload, &p)
	}

	version, ok := checkProtocolCompatibility(p.ProtocolVersion)
	if !ok {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonBadProtocol)
		_ = s.ReplyErrorCode(ctx, f.ID, 406, "incompatible protocol version")
		s.state.Store(int32(StateClosed))
		return
	}
	s.protocolVersion = version

	if p.Token != "" && p.HubID != "" && s.pairingAuthority.ValidateToken(p.HubID, p.Token) {
		s.peerID = p.HubID
		s.name = p.Name
		s.platform = p.Platform
		s.obs.Attach(observability.AttachResultOK, observability.AttachReasonTokenValid)
		s.transitionToAuth(ctx, f.ID)
		return
	}

	if p.HubID == "" {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonMissingPeerID)
		_ = s.ReplyErrorCode(ctx, f.ID, 401, "hub_id required")
		return
	}

	code, expiresIn, granted, remaining := s.pairingAuthority.GenerateCode(p.HubID, p.Name, p.Platform)
	if !granted {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonPairingLocked)
		_ = s.ReplyErrorCode(ctx, f.ID, 429, "pairing locked out")
		_ = s.Emit(ctx, "pairing_locked", map[string]any{"remainingSeconds": int(remaining.Seconds())})
		return
	}
	s.peerID = p.HubID
	s.name = p.Name
	s.platform = p.Platform
	s.state.Store(int32(StateAwaitPair))
	_ = s.Reply(ctx, f.ID, "pairing_required", map[string]any{
		"code":      code,
		"expiresIn": int(expiresIn.Seconds()),
	})
	_ = s.Emit(ctx, "pairing_code", map[string]any{"code": code})
}

func (s *Session) handlePairConfirm(ctx context.Context, f wire.TextFrame) {
	var p pairConfirmPayload
	if f.Payload != nil {
		_ = json.Unmarshal(f.Payload, &p)
	}
	token, ok, lockedJustNow, remaining := s.pairingAuthority.ValidateCode(s.peerID, p.Code)
	if ok {
		s.obs.Attach(observability.AttachResultOK, observability.AttachReasonPaired)
		_ = s.Reply(ctx, f.ID, "pair_success", map[string]any{"token": token})
		_ = s.Emit(ctx, "pairing_success", struct{}{})
		s.transitionToAuth(ctx, f.ID)
		return
	}
	if lockedJustNow {
		_ = s.Reply(ctx, f.ID, "pair_failed", map[string]any{"reason": "locked out"})
		_ = s.Emit(ctx, "pairing_locked", map[string]any{"remainingSeconds": int(remaining.Seconds())})
		return
	}
	_ = s.Reply(ctx, f.ID, "pair_failed", map[string]any{"reason": "Invalid code"})
}

func (s *Session) transitionToAuth(ctx context.Context, _ string) {
	s.state.Store(int32(StateAuth))
	if s.status != nil {
		_ = s.Reply(ctx, "", "agent_status", s.status())
	}
	if s.lifecycle != nil {
		s.lifecycle.OnAuth(ctx, s.peerID, s)
	}
}

// ReplyErrorCode is a convenience for handshake paths that don't yet have an
// *agenterr.Error constructed.
func (s *Session) ReplyErrorCode(ctx context.Context, id string, code int, message string) error {
	b, err := wire.EncodeText(wire.TextFrame{ID: id, Type: "error", Error: &wire.WireError{Code: code, Message: message}})
	if err != nil {
		return err
	}
	return s.enqueueText(b)
}
