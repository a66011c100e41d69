// ABOUTME: Incremental decoder for the agent backend's server-sent event stream
// ABOUTME: Buffers raw chunks and emits complete (event, JSON data) frames in order

package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// frameSeparator terminates every frame on the wire.
var frameSeparator = []byte("\n\n")

var (
	eventLine = regexp.MustCompile(`(?m)^event: (.+)$`)
	dataLine  = regexp.MustCompile(`(?m)^data: (.+)$`)
)

// readChunkSize is the size of each read from the response body.
const readChunkSize = 4096

// ErrStreamInterrupted marks a stream that ended abnormally (transport failure).
var ErrStreamInterrupted = errors.New("event stream interrupted")

// Frame is one decoded unit of the event stream.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// DecodeError reports a frame that was terminated but could not be decoded.
// It is fatal for the turn that produced it.
type DecodeError struct {
	Frame  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns an ordered sequence of raw chunks into frames.
// A Decoder belongs to a single turn and must not be reused across turns.
type Decoder struct {
	buf    []byte
	logger *slog.Logger
}

// NewDecoder creates a decoder with an empty buffer. Pass nil logger for default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		logger: logger.With("component", "sse"),
	}
}

// Feed appends chunk to the buffer and returns every frame whose terminator
// has now been observed. The trailing unterminated segment stays buffered.
// After an error the decoder must be discarded.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)

	segments := bytes.Split(d.buf, frameSeparator)
	last := segments[len(segments)-1]
	complete := segments[:len(segments)-1]

	var frames []Frame
	for _, seg := range complete {
		frame, ok, err := d.parse(seg)
		if err != nil {
			d.buf = nil
			return frames, err
		}
		if ok {
			frames = append(frames, frame)
		}
	}

	// Copy so the retained tail does not pin the old backing array.
	d.buf = append([]byte(nil), last...)
	return frames, nil
}

// buffered returns the number of bytes waiting for a frame terminator.
func (d *Decoder) buffered() int {
	return len(d.buf)
}

// Close discards any unterminated trailing segment. It returns the number
// of bytes dropped.
func (d *Decoder) Close() int {
	dropped := len(d.buf)
	if dropped > 0 {
		d.logger.Debug("discarding unterminated trailing frame", "bytes", dropped)
	}
	d.buf = nil
	return dropped
}

// parse interprets one terminated segment. ok is false when the segment is
// blank or lacks an event or data line.
func (d *Decoder) parse(seg []byte) (Frame, bool, error) {
	text := string(seg)
	if strings.TrimSpace(text) == "" {
		return Frame{}, false, nil
	}

	events := eventLine.FindAllStringSubmatch(text, -1)
	data := dataLine.FindStringSubmatch(text)

	if len(events) > 1 {
		return Frame{}, false, &DecodeError{Frame: text, Reason: "event type repeated in one frame"}
	}
	if len(events) == 0 || data == nil {
		d.logger.Debug("ignoring incomplete frame",
			"has_event", len(events) == 1,
			"has_data", data != nil)
		return Frame{}, false, nil
	}

	eventType := strings.TrimRight(events[0][1], "\r")
	payload := []byte(strings.TrimRight(data[1], "\r"))

	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Frame{}, false, &DecodeError{Frame: text, Reason: "invalid JSON payload for " + eventType, Err: err}
	}

	return Frame{Event: eventType, Data: json.RawMessage(payload)}, true, nil
}

// Decode reads r to completion, calling fn once per frame in stream order.
// A non-nil error from fn stops decoding and is returned unchanged.
// Reaching EOF flushes nothing: an unterminated trailing segment is dropped.
func Decode(ctx context.Context, r io.Reader, logger *slog.Logger, fn func(Frame) error) error {
	d := NewDecoder(logger)
	defer d.Close()

	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			frames, err := d.Feed(chunk[:n])
			for _, f := range frames {
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
			if err != nil {
				return err
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrStreamInterrupted, readErr)
		}
	}
}
