// Package frame implements the envelope shared by every unit sent on a link.
//
// The first byte of a unit names what follows: a JSON control frame, a raw
// transfer chunk payload, or raw probe filler. Receivers never inspect payload
// bytes to decide what a unit is.
package frame

import (
	"errors"
	"fmt"
)

// Envelope is the discriminant carried in the first byte of every unit.
type Envelope byte

const (
	EnvelopeControl Envelope = 0x01
	EnvelopeChunk   Envelope = 0x02
	EnvelopeProbe   Envelope = 0x03
)

func (e Envelope) String() string {
	switch e {
	case EnvelopeControl:
		return "control"
	case EnvelopeChunk:
		return "chunk"
	case EnvelopeProbe:
		return "probe"
	default:
		return fmt.Sprintf("envelope(0x%02x)", byte(e))
	}
}

var (
	ErrEmptyUnit       = errors.New("empty unit")
	ErrUnknownEnvelope = errors.New("unknown envelope")
)

// Type tags a control frame.
type Type string

const (
	TypeTransferStart       Type = "transfer-start"
	TypeTransferChunkHeader Type = "transfer-chunk-header"
	TypeTransferComplete    Type = "transfer-complete"
	TypeTransferPause       Type = "transfer-pause"
	TypeTransferResume      Type = "transfer-resume"
	TypeTransferAck         Type = "transfer-ack"

	TypeProbeUploadStart     Type = "probe-upload-start"
	TypeProbeUploadEnd       Type = "probe-upload-end"
	TypeProbeDownloadRequest Type = "probe-download-request"
	TypeProbeDownloadStart   Type = "probe-download-start"
	TypeProbeDownloadEnd     Type = "probe-download-end"
)

// Known reports whether t is one of the control types this build understands.
// Anything else is carried through decoding and ignored by dispatch.
func (t Type) Known() bool {
	switch t {
	case TypeTransferStart, TypeTransferChunkHeader, TypeTransferComplete,
		TypeTransferPause, TypeTransferResume, TypeTransferAck,
		TypeProbeUploadStart, TypeProbeUploadEnd, TypeProbeDownloadRequest,
		TypeProbeDownloadStart, TypeProbeDownloadEnd:
		return true
	}
	return false
}

// IsTransfer reports whether t belongs to the bulk transfer protocol.
func (t Type) IsTransfer() bool {
	switch t {
	case TypeTransferStart, TypeTransferChunkHeader, TypeTransferComplete,
		TypeTransferPause, TypeTransferResume, TypeTransferAck:
		return true
	}
	return false
}

// IsProbe reports whether t belongs to the bandwidth probe protocol.
func (t Type) IsProbe() bool {
	switch t {
	case TypeProbeUploadStart, TypeProbeUploadEnd, TypeProbeDownloadRequest,
		TypeProbeDownloadStart, TypeProbeDownloadEnd:
		return true
	}
	return false
}

// Control is the union of fields used by all control frame types.
// Which fields are meaningful depends on Type.
type Control struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"`

	// transfer-start
	Name        string `json:"name,omitempty"`
	ByteSize    int64  `json:"byteSize,omitempty"`
	MediaType   string `json:"mediaType,omitempty"`
	ChunkSize   int    `json:"chunkSize,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Checksum    string `json:"checksum,omitempty"`

	// transfer-chunk-header
	ChunkIndex  int  `json:"chunkIndex,omitempty"`
	IsLastChunk bool `json:"isLastChunk,omitempty"`

	// probe rounds; Duration is in milliseconds
	Duration  int64 `json:"duration,omitempty"`
	BytesSent int64 `json:"bytesSent,omitempty"`
}

// Frame is a decoded unit.
type Frame struct {
	Envelope Envelope
	Control  Control // valid when Envelope == EnvelopeControl
	Payload  []byte  // valid for chunk and probe envelopes; aliases the unit
}
