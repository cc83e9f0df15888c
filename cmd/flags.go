package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"
)

// formatValue is a pflag.Value restricted to a fixed set of output formats.
type formatValue struct {
	value   string
	allowed []string
}

var _ pflag.Value = (*formatValue)(nil)

func newFormatValue(def string, allowed ...string) *formatValue {
	return &formatValue{value: def, allowed: allowed}
}

func (f *formatValue) String() string { return f.value }

func (f *formatValue) Set(s string) error {
	s = strings.ToLower(strings.TrimSpace(s))
	if !slices.Contains(f.allowed, s) {
		return fmt.Errorf("unsupported format %q (supported: %s)", s, strings.Join(f.allowed, ", "))
	}
	f.value = s
	return nil
}

func (f *formatValue) Type() string { return "format" }

// addFormatFlag registers --format/-f on flags.
func addFormatFlag(flags *pflag.FlagSet, def string, allowed ...string) *formatValue {
	v := newFormatValue(def, allowed...)
	flags.VarP(v, "format", "f", fmt.Sprintf("Output format (%s)", strings.Join(allowed, "|")))
	return v
}
