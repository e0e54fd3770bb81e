package router

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
)

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// tokenizeCommandLine splits command text with shell quoting rules, so a
// template may be passed as one "quoted argument".
func tokenizeCommandLine(s string) ([]string, error) {
	words, err := shellquote.Split(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "parse command"), "close every quote; escape a literal quote with \\")
	}
	return words, nil
}

// parseFlags separates positionals from --k=v, --k v, -k v and bare --flag
// forms. isBool names never take the next token. "--" ends flag parsing;
// negative numbers stay positional.
func parseFlags(args []string, isBool func(string) bool) (pos []string, flags map[string]string, bools map[string]bool) {
	flags, bools = map[string]string{}, map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return append(pos, args[i+1:]...), flags, bools
		case len(a) < 2 || a[0] != '-' || isNumber(a):
			pos = append(pos, a)
			continue
		}
		key, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		switch {
		case hasVal:
			flags[key] = val
		case !isBool(key) && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-"):
			i++
			flags[key] = args[i]
		default:
			bools[key] = true
		}
	}
	return pos, flags, bools
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
