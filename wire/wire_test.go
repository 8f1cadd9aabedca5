package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestTextFrameRoundTrip(t *testing.T) {
	f := TextFrame{ID: "1", Type: "ping"}
	b, err := EncodeText(f)
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	got, err := DecodeText(b)
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if got.ID != f.ID || got.Type != f.Type {
		t.Fatalf("got %+v, want %+v", got, f)
	}
}

func TestTextFrameErrorField(t *testing.T) {
	f := TextFrame{ID: "2", Type: "error", Error: &WireError{Code: 401, Message: "not authorized"}}
	b, _ := EncodeText(f)
	got, err := DecodeText(b)
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if got.Error == nil || got.Error.Code != 401 {
		t.Fatalf("expected error field to round-trip, got %+v", got.Error)
	}
}

func TestBinaryFrameRoundTripUploadChunk(t *testing.T) {
	h := BinaryHeader{UploadID: "u1", FilePath: "game.exe", Offset: 10}
	payload := []byte("hello")
	raw, err := EncodeBinary(h, payload)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	gotH, gotPayload, err := DecodeBinary(raw)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if !gotH.IsUploadChunk() {
		t.Fatalf("expected upload chunk routing for empty Type")
	}
	if gotH.UploadID != "u1" || gotH.FilePath != "game.exe" || gotH.Offset != 10 {
		t.Fatalf("header mismatch: %+v", gotH)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: %q", gotPayload)
	}
}

func TestBinaryFrameArtworkRouting(t *testing.T) {
	h := BinaryHeader{Type: BinaryTypeArtworkImage, AppID: 42, ArtworkType: "grid"}
	raw, err := EncodeBinary(h, []byte{0xFF})
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	gotH, _, err := DecodeBinary(raw)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if gotH.IsUploadChunk() {
		t.Fatalf("expected artwork routing, not upload chunk")
	}
}

func TestDecodeBinaryRejectsTruncatedHeader(t *testing.T) {
	if _, _, err := DecodeBinary([]byte{0, 0, 0, 10, 1, 2}); err != ErrBadBinaryHeader {
		t.Fatalf("expected ErrBadBinaryHeader, got %v", err)
	}
}

func TestDecodeTextRejectsOversizedFrame(t *testing.T) {
	big := bytes.Repeat([]byte{'a'}, MaxFrameBytes+1)
	payload, _ := json.Marshal(map[string]string{"x": string(big)})
	if _, err := DecodeText(payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
