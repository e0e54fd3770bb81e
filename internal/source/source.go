// Package source reads paginated records from the remote systems jobs watch.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
)

// ErrUnsupported is returned for a job kind no reader handles.
var ErrUnsupported = errors.New("unsupported job type")

// Record is one string-keyed record from a source page.
type Record map[string]any

// Page is the result of one read.
type Page struct {
	Records []Record
	Total   uint32 // records available in total, not just in this page
}

// Reader performs one paginated read at cursor.
type Reader interface {
	Read(ctx context.Context, typ job.Type, cursor, size uint32) (Page, error)
}

// Render substitutes every {key} in tmpl with the text of rec[key].
// Placeholders without a matching field are left as is.
func Render(tmpl string, rec Record) string {
	if len(rec) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := tmpl
	for _, k := range keys {
		ph := "{" + k + "}"
		if !strings.Contains(out, ph) {
			continue
		}
		out = strings.ReplaceAll(out, ph, Text(rec[k]))
	}
	return out
}

// RenderAll renders each record of a page in order.
func RenderAll(tmpl string, recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, Render(tmpl, r))
	}
	return out
}

// Text converts a decoded field value to its text form: strings verbatim,
// numbers as written, booleans, null, and compact JSON for objects and
// arrays.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	case json.RawMessage:
		return compact(x)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func compact(b []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return string(b)
	}
	return buf.String()
}
