package classify

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func feedAll(t *testing.T, acc *Accumulator, lines []string) []Output {
	t.Helper()
	var outs []Output
	for _, line := range lines {
		outs = append(outs, acc.Feed(line)...)
	}
	return outs
}

func TestSingleLineAdvert(t *testing.T) {
	acc := NewAccumulator()
	outs := acc.Feed(`{"payload_typename": "ADVERT", "from_id": "abc"}`)

	if len(outs) != 1 || outs[0].Kind != KindEvent {
		t.Fatalf("expected one event, got %+v", outs)
	}
	var obj map[string]any
	if err := json.Unmarshal(outs[0].Event, &obj); err != nil {
		t.Fatalf("event is not valid JSON: %v", err)
	}
	if obj["from_id"] != "abc" {
		t.Errorf("event payload altered: %+v", obj)
	}
}

func TestPlainLineIsResponse(t *testing.T) {
	acc := NewAccumulator()
	outs := acc.Feed("Contacts: 3")

	if len(outs) != 1 || outs[0].Kind != KindResponse {
		t.Fatalf("expected one response span, got %+v", outs)
	}
	if len(outs[0].Lines) != 1 || outs[0].Lines[0] != "Contacts: 3" {
		t.Errorf("response lines altered: %q", outs[0].Lines)
	}
}

func TestNonAdvertJSONIsResponse(t *testing.T) {
	acc := NewAccumulator()
	outs := acc.Feed(`{"public_key": "f9ef", "adv_name": "node1"}`)

	if len(outs) != 1 || outs[0].Kind != KindResponse {
		t.Fatalf("expected response, got %+v", outs)
	}
}

func TestMultiLineAdvert(t *testing.T) {
	lines := []string{
		`{`,
		`  "payload_typename": "ADVERT",`,
		`  "from_id": "abc",`,
		`  "snr": 7.5,`,
		`  "hops": 2}`,
	}

	acc := NewAccumulator()
	var outs []Output
	for i, line := range lines {
		res := acc.Feed(line)
		if i < len(lines)-1 && len(res) != 0 {
			t.Fatalf("line %d resolved early: %+v", i, res)
		}
		outs = append(outs, res...)
	}

	if len(outs) != 1 || outs[0].Kind != KindEvent {
		t.Fatalf("expected a single event for 5 physical lines, got %+v", outs)
	}
	var obj map[string]any
	if err := json.Unmarshal(outs[0].Event, &obj); err != nil {
		t.Fatalf("accumulated event is not valid JSON: %v", err)
	}
	if obj["payload_typename"] != "ADVERT" || obj["hops"] != float64(2) {
		t.Errorf("unexpected event payload: %+v", obj)
	}
}

func TestMultiLineNonAdvertIsResponseSpan(t *testing.T) {
	lines := []string{`{`, `  "public_key": "f9ef",`, `  "type": 1`, `}`}
	acc := NewAccumulator()
	outs := feedAll(t, acc, lines)

	if len(outs) != 1 || outs[0].Kind != KindResponse {
		t.Fatalf("expected one response span, got %+v", outs)
	}
	if !reflect.DeepEqual(outs[0].Lines, lines) {
		t.Errorf("span lines altered: %q", outs[0].Lines)
	}
}

func TestBracesInsideStrings(t *testing.T) {
	acc := NewAccumulator()
	outs := acc.Feed(`{"payload_typename": "ADVERT", "adv_name": "KRA {mob}"}`)
	if len(outs) != 1 || outs[0].Kind != KindEvent {
		t.Fatalf("brace inside string broke depth tracking: %+v", outs)
	}

	outs = acc.Feed(`{"adv_name": "closer }", "x": 1}`)
	if len(outs) != 1 || outs[0].Kind != KindResponse {
		t.Fatalf("expected response, got %+v", outs)
	}
}

func TestEscapedQuoteInsideString(t *testing.T) {
	acc := NewAccumulator()
	outs := acc.Feed(`{"payload_typename": "ADVERT", "adv_name": "say \"hi\" {"}`)
	if len(outs) != 1 || outs[0].Kind != KindEvent {
		t.Fatalf("escaped quote broke string tracking: %+v", outs)
	}
}

func TestUnbalancedSpanFlushedAtBound(t *testing.T) {
	acc := NewAccumulator()
	if outs := acc.Feed(`{"partial": [`); len(outs) != 0 {
		t.Fatalf("expected accumulation, got %+v", outs)
	}

	var flushed []Output
	for i := 0; i < maxSpanLines+4 && len(flushed) == 0; i++ {
		flushed = acc.Feed(fmt.Sprintf("filler %d", i))
	}
	if len(flushed) != 1 || flushed[0].Kind != KindResponse {
		t.Fatalf("expected bounded flush as response, got %+v", flushed)
	}
	if len(flushed[0].Lines) != maxSpanLines+1 {
		t.Errorf("expected %d flushed lines, got %d", maxSpanLines+1, len(flushed[0].Lines))
	}
	if flushed[0].Lines[0] != `{"partial": [` {
		t.Errorf("flush lost the opening line: %q", flushed[0].Lines[0])
	}
}

func TestFlushReleasesPartialSpan(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(`{`)
	acc.Feed(`  "a": 1,`)

	outs := acc.Flush()
	if len(outs) != 1 || outs[0].Kind != KindResponse || len(outs[0].Lines) != 2 {
		t.Fatalf("expected partial span flushed as response, got %+v", outs)
	}
	if outs := acc.Flush(); outs != nil {
		t.Errorf("second flush should be empty, got %+v", outs)
	}
}

func TestOrderPreservedAcrossKinds(t *testing.T) {
	acc := NewAccumulator()
	var outs []Output
	outs = append(outs, acc.Feed("before")...)
	outs = append(outs, acc.Feed(`{"payload_typename": "ADVERT"}`)...)
	outs = append(outs, acc.Feed("after")...)

	if len(outs) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(outs))
	}
	kinds := []Kind{outs[0].Kind, outs[1].Kind, outs[2].Kind}
	want := []Kind{KindResponse, KindEvent, KindResponse}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("kind order %v, want %v", kinds, want)
	}
}

// Property: any advert object, however json.MarshalIndent splits it across
// physical lines, classifies as exactly one event carrying the same fields.
func TestPrettyPrintedAdvertRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		obj := map[string]any{"payload_typename": "ADVERT"}
		n := rapid.IntRange(0, 6).Draw(t, "fields")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`[a-z_]{1,10}`).Draw(t, "key")
			if key == "payload_typename" {
				continue
			}
			obj[key] = rapid.StringMatching(`[a-zA-Z0-9 {}"]{0,12}`).Draw(t, "value")
		}

		indent := strings.Repeat(" ", rapid.IntRange(1, 4).Draw(t, "indent"))
		pretty, err := json.MarshalIndent(obj, "", indent)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		acc := NewAccumulator()
		var outs []Output
		for _, line := range strings.Split(string(pretty), "\n") {
			outs = append(outs, acc.Feed(line)...)
		}

		if len(outs) != 1 || outs[0].Kind != KindEvent {
			t.Fatalf("expected one event for:\n%s\ngot %+v", pretty, outs)
		}
		var got map[string]any
		if err := json.Unmarshal(outs[0].Event, &got); err != nil {
			t.Fatalf("event unmarshal: %v", err)
		}
		if !reflect.DeepEqual(got, obj) {
			t.Fatalf("payload mismatch: got %+v want %+v", got, obj)
		}
	})
}
