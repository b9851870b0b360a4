// Package logparser turns program log lines into domain events.
//
// Programs announce events with a line of the form
//
//	Program log: <Kind>: {"json": "payload"}
//
// The marker table below is the only place that knows this format.
package logparser

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/metrics"
)

type marker struct {
	text string
	kind event.Kind
}

var markers = buildMarkers(event.AllKinds())

func buildMarkers(kinds []event.Kind) []marker {
	out := make([]marker, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, marker{text: string(k) + ":", kind: k})
	}
	return out
}

type lineStatus int

const (
	lineNoMarker lineStatus = iota
	lineMalformed
	lineEvent
)

// Parse maps one log line to at most one event. It never panics; lines
// without a marker and lines whose payload is not a JSON object yield false.
func Parse(programLabel, line string) (event.DomainEvent, bool) {
	ev, status := parseLine(programLabel, line)
	return ev, status == lineEvent
}

// ParseBatch parses lines in order and returns the events found, preserving
// the relative order of their originating lines.
func ParseBatch(programLabel string, lines []string) []event.DomainEvent {
	var out []event.DomainEvent
	for i, line := range lines {
		ev, status := parseLine(programLabel, line)
		switch status {
		case lineEvent:
			ev.LogIndex = i
			out = append(out, ev)
			metrics.EventsParsed.WithLabelValues(programLabel, ev.Kind.String()).Inc()
		case lineMalformed:
			metrics.LogLinesMalformed.WithLabelValues(programLabel, ev.Kind.String()).Inc()
		}
	}
	metrics.LogLinesParsed.WithLabelValues(programLabel).Add(float64(len(lines)))
	return out
}

// Kinds lists the kinds the parser recognizes.
func Kinds() []event.Kind {
	out := make([]event.Kind, len(markers))
	for i, m := range markers {
		out[i] = m.kind
	}
	return out
}

func parseLine(programLabel, line string) (ev event.DomainEvent, status lineStatus) {
	defer func() {
		if r := recover(); r != nil {
			ev, status = event.DomainEvent{}, lineMalformed
		}
	}()

	m, rest, ok := matchMarker(line)
	if !ok {
		return event.DomainEvent{}, lineNoMarker
	}

	payload, err := decodePayload(rest)
	if err != nil {
		return event.DomainEvent{Kind: m.kind}, lineMalformed
	}

	return event.DomainEvent{
		Kind:         m.kind,
		Payload:      payload,
		ProgramLabel: programLabel,
	}, lineEvent
}

// matchMarker picks the marker that occurs earliest in the line.
func matchMarker(line string) (marker, string, bool) {
	best := -1
	var found marker
	for _, m := range markers {
		idx := strings.Index(line, m.text)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
			found = m
		}
	}
	if best < 0 {
		return marker{}, "", false
	}
	return found, line[best+len(found.text):], true
}

var errNotObject = errors.New("payload is not a JSON object")

func decodePayload(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errNotObject
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after payload")
	}
	return payload, nil
}
