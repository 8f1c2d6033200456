package session

import (
	"fmt"
	"strings"
)

// QuoteArgs serializes command arguments into a single meshcli input line.
// meshcli tokenizes on whitespace and strips only double quotes, so any
// argument containing whitespace or a quote character is wrapped in double
// quotes with embedded double quotes backslash-escaped. Single quotes are
// never used for wrapping: meshcli keeps them as literal data.
//
// Arguments containing a line terminator cannot be represented in the line
// protocol at all and are rejected before queueing.
func QuoteArgs(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrMalformed)
	}

	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		if strings.ContainsAny(arg, "\n\r") {
			return "", fmt.Errorf("%w: argument contains line terminator: %q", ErrMalformed, arg)
		}
		if strings.ContainsAny(arg, " \t\"'") {
			arg = `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
		}
		quoted = append(quoted, arg)
	}
	return strings.Join(quoted, " "), nil
}
