// Package sse decodes server-sent-event style completion streams.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const (
	dataPrefix = "data:"

	// DoneSentinel terminates a stream regardless of any lines that follow.
	DoneSentinel = "[DONE]"
)

// Decode extracts the JSON event payloads from one text fragment. Lines
// without the data marker and lines that are not valid JSON are skipped;
// the sentinel stops processing of the whole fragment.
func Decode(fragment string) []json.RawMessage {
	var events []json.RawMessage

	for _, line := range strings.Split(fragment, "\n") {
		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if payload == DoneSentinel {
			return events
		}
		if !json.Valid([]byte(payload)) {
			continue
		}
		events = append(events, json.RawMessage(payload))
	}

	return events
}

func dataPayload(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, dataPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix)), true
}

// Scanner reads data events off a raw byte stream one line at a time. Unlike
// Decode it buffers partial lines across reads, so a line split between two
// transport fragments is never dropped.
type Scanner struct {
	s    *bufio.Scanner
	done bool
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{s: s}
}

// Next returns the next JSON event payload. It reports false after the done
// sentinel or the end of the stream; malformed payloads are skipped.
func (sc *Scanner) Next() (json.RawMessage, bool) {
	if sc.done {
		return nil, false
	}

	for sc.s.Scan() {
		payload, ok := dataPayload(sc.s.Text())
		if !ok {
			continue
		}
		if payload == DoneSentinel {
			sc.done = true
			return nil, false
		}
		if !json.Valid([]byte(payload)) {
			continue
		}
		return json.RawMessage(payload), true
	}

	sc.done = true
	return nil, false
}

// Err reports a read failure other than io.EOF.
func (sc *Scanner) Err() error {
	return sc.s.Err()
}
