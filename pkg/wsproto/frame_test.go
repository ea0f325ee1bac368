package wsproto

import (
	"bytes"
	"testing"
)

func TestAcceptKeyKnownVector(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestBuildFrameServerHi(t *testing.T) {
	// scenario 5: send(peer, "hi", text) -> 81 02 68 69
	out := BuildFrame(OpText, []byte("hi"), true, false, nil)
	want := []byte{0x81, 0x02, 0x68, 0x69}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %x, want %x", out, want)
	}
}

func TestParseBuildRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte{0x42}, 125),
		bytes.Repeat([]byte{0x42}, 126),
		bytes.Repeat([]byte{0x42}, 65535),
		bytes.Repeat([]byte{0x42}, 65536),
	}
	for _, p := range payloads {
		wire := BuildFrame(OpBinary, p, true, false, nil)
		frames, rest, err := ParseFrames(wire, false)
		if err != nil {
			t.Fatalf("len=%d: %v", len(p), err)
		}
		if len(rest) != 0 {
			t.Fatalf("len=%d: unexpected leftover %d bytes", len(p), len(rest))
		}
		if len(frames) != 1 {
			t.Fatalf("len=%d: expected 1 frame, got %d", len(p), len(frames))
		}
		if !bytes.Equal(frames[0].Payload, p) {
			t.Fatalf("len=%d: payload mismatch", len(p))
		}
	}
}

func TestParseBuildRoundTripMasked(t *testing.T) {
	keyFn := func() [4]byte { return [4]byte{1, 2, 3, 4} }
	wire := BuildFrame(OpText, []byte("masked payload"), true, true, keyFn)

	frames, _, err := ParseFrames(wire, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "masked payload" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestParseFramesRequireMaskedRejectsUnmasked(t *testing.T) {
	wire := BuildFrame(OpText, []byte("hi"), true, false, nil)
	if _, _, err := ParseFrames(wire, true); err != ErrUnmaskedFromClient {
		t.Fatalf("expected ErrUnmaskedFromClient, got %v", err)
	}
}

func TestParseFramesPartialLeftover(t *testing.T) {
	wire := BuildFrame(OpText, []byte("hello"), true, false, nil)
	frames, rest, err := ParseFrames(wire[:3], false)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no complete frames, got %d", len(frames))
	}
	if !bytes.Equal(rest, wire[:3]) {
		t.Fatal("expected partial bytes returned as leftover")
	}
}

func TestParseFramesControlFrameMustBeSmallAndFinal(t *testing.T) {
	big := bytes.Repeat([]byte{1}, 126)
	wire := BuildFrame(OpPing, big, true, false, nil)
	if _, _, err := ParseFrames(wire, false); err != ErrControlFrameFramed {
		t.Fatalf("expected ErrControlFrameFramed, got %v", err)
	}
}

func TestParseFramesMultipleInOneBuffer(t *testing.T) {
	var wire []byte
	wire = append(wire, BuildFrame(OpText, []byte("a"), true, false, nil)...)
	wire = append(wire, BuildFrame(OpText, []byte("b"), true, false, nil)...)

	frames, rest, err := ParseFrames(wire, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 || len(frames) != 2 {
		t.Fatalf("expected 2 frames no leftover, got %d frames %d leftover", len(frames), len(rest))
	}
}
