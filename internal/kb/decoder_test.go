package kb

import (
	"reflect"
	"testing"
)

func collectFrames(d *FrameDecoder, chunks ...[]byte) []string {
	var out []string
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	out = append(out, d.Flush()...)
	return out
}

func TestFrameDecoder_BasicStream(t *testing.T) {
	d := &FrameDecoder{}
	stream := "data: {\"content\":\"a\"}\n\ndata: {\"content\":\"b\"}\ndata: [DONE]\ndata: {\"content\":\"late\"}\n"

	frames := collectFrames(d, []byte(stream))
	want := []string{`{"content":"a"}`, `{"content":"b"}`}
	if !reflect.DeepEqual(frames, want) {
		t.Fatalf("frames = %q, want %q", frames, want)
	}
	if !d.Done() {
		t.Fatalf("expected decoder done after sentinel")
	}
}

func TestFrameDecoder_ChunkBoundariesDoNotMatter(t *testing.T) {
	stream := "event: message\ndata: {\"content\":\"Hel\"}\n\n: keepalive\ndata: {\"content\":\"lo\"}\ndata: [DONE]\n"

	ref := collectFrames(&FrameDecoder{}, []byte(stream))
	if len(ref) != 2 {
		t.Fatalf("reference parse emitted %d frames, want 2", len(ref))
	}

	// split at every possible byte boundary
	for i := 0; i <= len(stream); i++ {
		d := &FrameDecoder{}
		got := collectFrames(d, []byte(stream[:i]), []byte(stream[i:]))
		if !reflect.DeepEqual(got, ref) {
			t.Fatalf("split at %d: frames = %q, want %q", i, got, ref)
		}
	}

	// feed one byte at a time
	d := &FrameDecoder{}
	var got []string
	for i := 0; i < len(stream); i++ {
		got = append(got, d.Feed([]byte{stream[i]})...)
	}
	got = append(got, d.Flush()...)
	if !reflect.DeepEqual(got, ref) {
		t.Fatalf("byte-at-a-time: frames = %q, want %q", got, ref)
	}
}

func TestFrameDecoder_DropsNonDataLines(t *testing.T) {
	d := &FrameDecoder{}
	stream := "event: ping\n\nretry: 3000\nid: seven\ndata: payload\n"
	frames := collectFrames(d, []byte(stream))
	if !reflect.DeepEqual(frames, []string{"payload"}) {
		t.Fatalf("frames = %q, want [payload]", frames)
	}
}

func TestFrameDecoder_FlushTrailingLine(t *testing.T) {
	d := &FrameDecoder{}
	frames := d.Feed([]byte("data: tail-without-newline"))
	if len(frames) != 0 {
		t.Fatalf("incomplete line emitted early: %q", frames)
	}
	frames = d.Flush()
	if !reflect.DeepEqual(frames, []string{"tail-without-newline"}) {
		t.Fatalf("flush = %q", frames)
	}
}

func TestFrameDecoder_WhitespaceTolerant(t *testing.T) {
	d := &FrameDecoder{}
	frames := collectFrames(d, []byte("  data:   spaced payload  \r\n"))
	if !reflect.DeepEqual(frames, []string{"spaced payload"}) {
		t.Fatalf("frames = %q", frames)
	}
}
