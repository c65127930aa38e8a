package session

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// maxLineBytes bounds a single agent output line. Agent messages embed tool
// output and can run large.
const maxLineBytes = 1 << 20

// streamLine is one newline-delimited unit read off the sandbox byte stream.
// Either raw holds a decoded JSON object, or parseErr explains why the line
// was rejected.
type streamLine struct {
	raw      json.RawMessage
	text     string
	parseErr error
}

// scanStream reads the sandbox output line by line, decodes each line as one
// JSON object, and forwards the result on out. It closes out when the stream
// ends, whatever the cause; the consumer distinguishes a silent close from a
// terminal result. Closing done releases the scanner once the consumer has
// stopped receiving, even when buffered lines are still queued for delivery.
func scanStream(r io.Reader, out chan<- streamLine, done <-chan struct{}) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		line := streamLine{}
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(text), &raw); err != nil || !isJSONObject(raw) {
			line = streamLine{text: truncate(text, 256), parseErr: errNotObject(err)}
		} else {
			line = streamLine{raw: raw}
		}

		select {
		case out <- line:
		case <-done:
			return
		}
	}
	// A scanner error (stream torn down mid-line, line over the limit) ends
	// the stream the same way EOF does; the consumer classifies it.
}

// terminalLine holds the discriminator fields peeked from every agent line.
// Everything else stays opaque passthrough payload.
type terminalLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// parseTerminal returns the terminal result carried by the line, or nil when
// the line is an ordinary agent message.
func parseTerminal(raw json.RawMessage) *Result {
	var line terminalLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil
	}
	if line.Type != terminalType {
		return nil
	}
	return &Result{
		Outcome: outcomeForSubtype(line.Subtype),
		Subtype: line.Subtype,
		Payload: line.Result,
		Error:   line.Error,
	}
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

type notObjectError struct{ err error }

func (e notObjectError) Error() string {
	if e.err != nil {
		return "line is not valid JSON: " + e.err.Error()
	}
	return "line is not a JSON object"
}

func (e notObjectError) Unwrap() error { return e.err }

func errNotObject(err error) error { return notObjectError{err: err} }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
