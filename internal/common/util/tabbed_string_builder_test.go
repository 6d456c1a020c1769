package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTabbedStringBuilder_SingleRow(t *testing.T) {
	w := NewTabbedStringBuilder(1, 1, 1, ' ', 0)
	w.Writef("a:\t%s", "b")
	assert.Equal(t, "a: b", w.String())
}

func TestTabbedStringBuilder_AlignsColumns(t *testing.T) {
	w := NewTabbedStringBuilder(1, 1, 1, ' ', 0)
	w.Writef("tx:\t%d\n", 7)
	w.Writef("errors:\t%d\n", 0)
	assert.Equal(t, "tx:     7\nerrors: 0\n", w.String())
}

func TestTabbedStringBuilder_MixedTypes(t *testing.T) {
	w := NewTabbedStringBuilder(1, 1, 1, ' ', 0)
	w.Writef("a:\t%s\n", "b")
	w.Writef("a:\t%.2f\t%d\n", 1.5, 2)
	assert.Equal(t, "a: b\na: 1.50 2\n", w.String())
}
