package session

import (
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestQuoteArgs_Plain(t *testing.T) {
	line, err := QuoteArgs([]string{"contact_info", "t=1"})
	if err != nil {
		t.Fatalf("QuoteArgs failed: %v", err)
	}
	if line != "contact_info t=1" {
		t.Errorf("expected %q, got %q", "contact_info t=1", line)
	}
}

func TestQuoteArgs_EmbeddedSpace(t *testing.T) {
	line, err := QuoteArgs([]string{"send", "hello world"})
	if err != nil {
		t.Fatalf("QuoteArgs failed: %v", err)
	}
	if line != `send "hello world"` {
		t.Errorf("expected %q, got %q", `send "hello world"`, line)
	}
}

func TestQuoteArgs_EmbeddedQuote(t *testing.T) {
	line, err := QuoteArgs([]string{"send", `say "hi"`})
	if err != nil {
		t.Fatalf("QuoteArgs failed: %v", err)
	}
	if line != `send "say \"hi\""` {
		t.Errorf("expected %q, got %q", `send "say \"hi\""`, line)
	}
	if strings.Count(line, "\n") != 0 {
		t.Error("expected a single serialized line")
	}
}

func TestQuoteArgs_SingleQuoteWrappedInDouble(t *testing.T) {
	// meshcli does not strip single quotes, so they force double-quote
	// wrapping instead of being used as the wrapper.
	line, err := QuoteArgs([]string{"send", "it's"})
	if err != nil {
		t.Fatalf("QuoteArgs failed: %v", err)
	}
	if line != `send "it's"` {
		t.Errorf("expected %q, got %q", `send "it's"`, line)
	}
}

func TestQuoteArgs_RejectsLineTerminator(t *testing.T) {
	for _, arg := range []string{"a\nb", "a\rb"} {
		if _, err := QuoteArgs([]string{arg}); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed for %q, got %v", arg, err)
		}
	}
}

func TestQuoteArgs_RejectsEmpty(t *testing.T) {
	if _, err := QuoteArgs(nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

// tokenize simulates meshcli's input tokenization: whitespace splits
// outside double quotes, double quotes group, backslash escapes a double
// quote inside quotes, single quotes are literal data.
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	started := false

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuotes && r == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			cur.WriteRune('"')
			i++
		case r == '"':
			inQuotes = !inQuotes
			started = true
		case !inQuotes && (r == ' ' || r == '\t'):
			if started || cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
		}
	}
	if started || cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// Property: for any argument list, meshcli's tokenizer recovers exactly the
// original arguments from the serialized line. Backslashes are excluded:
// the quoting scheme does not escape them.
func TestQuoteArgs_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.StringMatching(`[a-zA-Z0-9 '"=_.-]{1,20}`)
		n := rapid.IntRange(1, 5).Draw(t, "n")
		args := make([]string, n)
		for i := range args {
			args[i] = gen.Draw(t, "arg")
		}

		line, err := QuoteArgs(args)
		if err != nil {
			t.Fatalf("QuoteArgs(%q): %v", args, err)
		}
		got := tokenize(line)
		if len(got) != len(args) {
			t.Fatalf("token count mismatch: line %q, got %q, want %q", line, got, args)
		}
		for i := range args {
			if got[i] != args[i] {
				t.Fatalf("token %d mismatch: line %q, got %q, want %q", i, line, got[i], args[i])
			}
		}
	})
}
