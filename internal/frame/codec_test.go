package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestControlRoundTrip(t *testing.T) {
	in := Control{
		Type:        TypeTransferStart,
		ID:          "abc",
		Name:        "report.pdf",
		ByteSize:    1_000_000,
		MediaType:   "application/pdf",
		ChunkSize:   16384,
		TotalChunks: 62,
	}
	unit, err := EncodeControl(in)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	if !IsControl(unit) {
		t.Fatalf("encoded control not classified as control")
	}

	f, err := Decode(unit)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Envelope != EnvelopeControl {
		t.Fatalf("envelope = %v, want control", f.Envelope)
	}
	if f.Control != in {
		t.Fatalf("decoded %+v, want %+v", f.Control, in)
	}
}

func TestChunkHeaderKeepsIndexZero(t *testing.T) {
	unit, err := EncodeControl(Control{Type: TypeTransferChunkHeader, ID: "x", ChunkIndex: 0, IsLastChunk: true})
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	f, err := Decode(unit)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Control.ChunkIndex != 0 || !f.Control.IsLastChunk {
		t.Fatalf("unexpected header %+v", f.Control)
	}
}

func TestPayloadClassificationIgnoresContent(t *testing.T) {
	// A payload that looks exactly like a control frame must still be a chunk.
	lookalike, _ := EncodeControl(Control{Type: TypeTransferComplete, ID: "x"})

	cases := []struct {
		name string
		unit []byte
		want Envelope
	}{
		{"chunk", EncodeChunk(lookalike), EnvelopeChunk},
		{"probe", EncodeProbe([]byte(`{"type":"probe-upload-end"}`)), EnvelopeProbe},
		{"empty chunk", EncodeChunk(nil), EnvelopeChunk},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if IsControl(tc.unit) {
				t.Fatalf("payload classified as control")
			}
			f, err := Decode(tc.unit)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.Envelope != tc.want {
				t.Fatalf("envelope = %v, want %v", f.Envelope, tc.want)
			}
			if !bytes.Equal(f.Payload, tc.unit[1:]) {
				t.Fatalf("payload mismatch")
			}
		})
	}
}

func TestUnknownTypeIsNotAnError(t *testing.T) {
	unit := append([]byte{byte(EnvelopeControl)}, []byte(`{"type":"transfer-cancel","id":"x","reason":"later"}`)...)
	f, err := Decode(unit)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Control.Type.Known() {
		t.Fatalf("type %q should not be known", f.Control.Type)
	}
	if f.Control.ID != "x" {
		t.Fatalf("id = %q", f.Control.ID)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyUnit) {
		t.Fatalf("nil unit: err = %v", err)
	}
	if _, err := Decode([]byte{0x7f, 1, 2}); !errors.Is(err, ErrUnknownEnvelope) {
		t.Fatalf("bad envelope: err = %v", err)
	}
	if _, err := Decode([]byte{byte(EnvelopeControl), '{'}); err == nil {
		t.Fatalf("truncated json accepted")
	}
	if _, err := EncodeControl(Control{}); err == nil {
		t.Fatalf("untyped control accepted")
	}
}

func TestTypeGroups(t *testing.T) {
	for _, typ := range []Type{TypeTransferStart, TypeTransferChunkHeader, TypeTransferComplete, TypeTransferPause, TypeTransferResume, TypeTransferAck} {
		if !typ.Known() || !typ.IsTransfer() || typ.IsProbe() {
			t.Errorf("%s misclassified", typ)
		}
	}
	for _, typ := range []Type{TypeProbeUploadStart, TypeProbeUploadEnd, TypeProbeDownloadRequest, TypeProbeDownloadStart, TypeProbeDownloadEnd} {
		if !typ.Known() || !typ.IsProbe() || typ.IsTransfer() {
			t.Errorf("%s misclassified", typ)
		}
	}
}
