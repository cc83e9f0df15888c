//go:build property
// +build property

package errors

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestErrorCollectorProperties tests collector bookkeeping and overlay
// escaping.
func TestErrorCollectorProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("record then get returns the messages", prop.ForAll(
		func(entry string, messages []string) bool {
			ec := NewErrorCollector()
			errs := make([]BuildError, len(messages))
			for i, m := range messages {
				errs[i] = BuildError{File: entry, Message: m, Severity: ErrorSeverityError}
			}
			ec.Record(entry, errs)

			got := ec.Get(entry)
			if len(got) != len(messages) {
				return false
			}
			for i := range got {
				if got[i].Message != messages[i] || got[i].Timestamp.IsZero() {
					return false
				}
			}
			return ec.HasErrors() == (len(messages) > 0)
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("recording nothing clears the entry", prop.ForAll(
		func(entry, message string) bool {
			ec := NewErrorCollector()
			ec.Record(entry, []BuildError{{Message: message}})
			ec.Record(entry, nil)
			return len(ec.Get(entry)) == 0 && !ec.HasErrors()
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("overlay never emits raw markup from messages", prop.ForAll(
		func(message string) bool {
			ce := NewCompileError("index.html", []BuildError{{
				File:     "index.html",
				Message:  "<script>" + message + "</script>",
				Severity: ErrorSeverityError,
			}}, nil)
			var buf bytes.Buffer
			if err := Overlay(ce, "").Render(context.Background(), &buf); err != nil {
				return false
			}
			return !strings.Contains(buf.String(), "<script>")
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
