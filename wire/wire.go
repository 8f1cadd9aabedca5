// Package wire defines the control channel's two frame shapes: a JSON text
// frame for requests, responses, and events, and a binary frame used for
// artwork images and in-band upload chunks.
package wire

import (
	"encoding/json"
	"errors"

	"github.com/capydeploy/agent/internal/bin"
)

// MaxFrameBytes is the maximum size of either frame shape; larger frames
// must be rejected by the transport before reaching this package.
const MaxFrameBytes = 50 * 1024 * 1024

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
var ErrBadBinaryHeader = errors.New("wire: malformed binary frame header")

// TextFrame is the JSON object carried by a websocket text message.
type TextFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the {code,message} pair carried on an error response frame.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EncodeText marshals a TextFrame to the bytes that go directly onto a
// websocket text message (no additional length prefix: the transport
// already frames the message).
func EncodeText(f TextFrame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeText unmarshals a websocket text message payload into a TextFrame.
func DecodeText(b []byte) (TextFrame, error) {
	var f TextFrame
	if len(b) > MaxFrameBytes {
		return f, ErrFrameTooLarge
	}
	err := json.Unmarshal(b, &f)
	return f, err
}

// BinaryHeader is the routing header prefixed to every binary frame. An
// empty Type means "upload chunk" per spec; any other value routes
// elsewhere (currently only "artwork_image").
type BinaryHeader struct {
	Type        string `json:"type,omitempty"`
	ID          string `json:"id,omitempty"`
	UploadID    string `json:"uploadId,omitempty"`
	FilePath    string `json:"filePath,omitempty"`
	Offset      int64  `json:"offset,omitempty"`
	AppID       int64  `json:"appId,omitempty"`
	ArtworkType string `json:"artworkType,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

const BinaryTypeArtworkImage = "artwork_image"

// IsUploadChunk reports whether a binary header routes to the upload chunk
// handler (the default when Type is unset).
func (h BinaryHeader) IsUploadChunk() bool {
	return h.Type == "" || h.Type != BinaryTypeArtworkImage
}

// EncodeBinary builds a binary frame: [4B BE header_len][header JSON][payload].
func EncodeBinary(h BinaryHeader, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	if len(hdr)+len(payload) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(hdr)+len(payload))
	bin.PutU32BE(out[:4], uint32(len(hdr)))
	copy(out[4:], hdr)
	copy(out[4+len(hdr):], payload)
	return out, nil
}

// DecodeBinary splits a binary frame into its header and payload.
func DecodeBinary(raw []byte) (BinaryHeader, []byte, error) {
	var h BinaryHeader
	if len(raw) > MaxFrameBytes {
		return h, nil, ErrFrameTooLarge
	}
	if len(raw) < 4 {
		return h, nil, ErrBadBinaryHeader
	}
	n := int(bin.U32BE(raw[:4]))
	if n < 0 || 4+n > len(raw) {
		return h, nil, ErrBadBinaryHeader
	}
	if err := json.Unmarshal(raw[4:4+n], &h); err != nil {
		return h, nil, err
	}
	return h, raw[4+n:], nil
}
