package kb

import "strings"

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// FrameDecoder turns arbitrarily chunked stream bytes into discrete event
// payloads. Chunk boundaries never affect the emitted frames: complete lines
// are consumed as they arrive and a trailing partial line is buffered for the
// next chunk.
type FrameDecoder struct {
	rest string
	done bool
}

// Feed appends a chunk and returns the payloads of every complete frame it
// finished. Once the termination sentinel is seen the decoder stops emitting.
func (d *FrameDecoder) Feed(chunk []byte) []string {
	if d.done {
		return nil
	}
	d.rest += string(chunk)

	var frames []string
	for {
		i := strings.IndexByte(d.rest, '\n')
		if i < 0 {
			return frames
		}
		line := d.rest[:i]
		d.rest = d.rest[i+1:]

		payload, ok := d.decodeLine(line)
		if d.done {
			return frames
		}
		if ok {
			frames = append(frames, payload)
		}
	}
}

// Flush drains a trailing line that was never newline-terminated. Call once
// at end of stream.
func (d *FrameDecoder) Flush() []string {
	if d.done || d.rest == "" {
		return nil
	}
	line := d.rest
	d.rest = ""
	payload, ok := d.decodeLine(line)
	if d.done || !ok {
		return nil
	}
	return []string{payload}
}

// Done reports whether the termination sentinel was seen.
func (d *FrameDecoder) Done() bool { return d.done }

// decodeLine extracts a frame payload from one wire line. Lines that are
// empty or carry no data marker are dropped: the wire format interleaves
// event-name and keepalive lines with no semantic payload.
func (d *FrameDecoder) decodeLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return "", false
	}
	if payload == doneSentinel {
		d.done = true
		return "", false
	}
	return payload, true
}
