package util

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// TabbedStringBuilder builds tab-aligned strings. It wraps a
// *tabwriter.Writer over a strings.Builder, which never errors, so the
// write methods need no error returns.
type TabbedStringBuilder struct {
	sb     *strings.Builder
	writer *tabwriter.Writer
}

// NewTabbedStringBuilder creates a TabbedStringBuilder. Parameters match
// those of tabwriter.NewWriter.
func NewTabbedStringBuilder(minwidth, tabwidth, padding int, padchar byte, flags uint) *TabbedStringBuilder {
	sb := &strings.Builder{}
	return &TabbedStringBuilder{
		sb:     sb,
		writer: tabwriter.NewWriter(sb, minwidth, tabwidth, padding, padchar, flags),
	}
}

// Writef formats according to a format specifier and appends the result.
func (t *TabbedStringBuilder) Writef(format string, a ...any) {
	_, _ = fmt.Fprintf(t.writer, format, a...)
}

// String flushes pending columns and returns the accumulated string.
func (t *TabbedStringBuilder) String() string {
	_ = t.writer.Flush()
	return t.sb.String()
}
