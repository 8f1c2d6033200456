// Package classify decides whether meshcli output lines are asynchronous
// advert events or response content for the in-flight command.
//
// A line is an event only when it is (part of) a complete JSON object whose
// payload_typename field equals "ADVERT". Anything else is response
// content. A command whose legitimate output happens to be exactly such an
// object is indistinguishable from a real advert and will be routed to the
// event log; meshcli's output carries no framing that could tell the two
// apart, so this package does not try to repair the ambiguity.
package classify

import (
	"encoding/json"
	"strings"
)

const (
	payloadTypeKey = "payload_typename"
	advertTypeName = "ADVERT"

	// Bounds on how long an unbalanced candidate record may keep
	// accumulating before it is flushed as response content.
	maxSpanLines = 64
	maxSpanBytes = 64 * 1024
)

// Kind says how a span of output was classified.
type Kind int

const (
	KindResponse Kind = iota
	KindEvent
)

// Output is one classified span: either a complete advert record or one or
// more response lines, in emission order.
type Output struct {
	Kind  Kind
	Event json.RawMessage // complete advert object when Kind == KindEvent
	Lines []string        // response lines when Kind == KindResponse
}

// Accumulator tracks nested-structure depth across physical lines so that
// pretty-printed records split over several lines are evaluated as one
// candidate. It is not safe for concurrent use; the stdout reader owns it.
type Accumulator struct {
	span     []string
	bytes    int
	depth    int
	inString bool
	escaped  bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Feed consumes one physical line and returns the spans it resolved, in
// order. A line may resolve nothing (a candidate record is still
// accumulating), one span, or two (a flushed candidate followed by the
// line itself).
func (a *Accumulator) Feed(line string) []Output {
	if len(a.span) == 0 {
		if !strings.HasPrefix(strings.TrimSpace(line), "{") {
			return []Output{{Kind: KindResponse, Lines: []string{line}}}
		}
		a.inString = false
		a.escaped = false
	}

	a.span = append(a.span, line)
	a.bytes += len(line)
	a.scan(line)

	if a.depth < 0 {
		return a.flushResponse()
	}
	if a.depth == 0 {
		return []Output{a.resolve()}
	}
	if len(a.span) > maxSpanLines || a.bytes > maxSpanBytes {
		// Ambiguity bound: never buffer command output indefinitely
		// waiting for a balanced structure that may not exist.
		return a.flushResponse()
	}
	return nil
}

// Flush releases any unresolved partial span as response content. Called
// when the stream ends.
func (a *Accumulator) Flush() []Output {
	if len(a.span) == 0 {
		return nil
	}
	return a.flushResponse()
}

// scan updates brace depth, ignoring braces inside JSON string literals.
func (a *Accumulator) scan(line string) {
	for _, r := range line {
		if a.escaped {
			a.escaped = false
			continue
		}
		switch r {
		case '\\':
			if a.inString {
				a.escaped = true
			}
		case '"':
			a.inString = !a.inString
		case '{':
			if !a.inString {
				a.depth++
			}
		case '}':
			if !a.inString {
				a.depth--
			}
		}
	}
}

// resolve evaluates a balanced span: a parseable object carrying the advert
// discriminator is an event, anything else is response content.
func (a *Accumulator) resolve() Output {
	raw := strings.Join(a.span, "\n")
	lines := a.span
	a.reset()

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		if name, ok := obj[payloadTypeKey].(string); ok && name == advertTypeName {
			return Output{Kind: KindEvent, Event: json.RawMessage(raw)}
		}
	}
	return Output{Kind: KindResponse, Lines: lines}
}

func (a *Accumulator) flushResponse() []Output {
	lines := a.span
	a.reset()
	return []Output{{Kind: KindResponse, Lines: lines}}
}

func (a *Accumulator) reset() {
	a.span = nil
	a.bytes = 0
	a.depth = 0
	a.inString = false
	a.escaped = false
}
