package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainRendering(t *testing.T) {
	DisableColor()
	assert.Equal(t, "ok", RenderPass("ok"))
	assert.Equal(t, "PENDING", RenderStatus("PENDING"))
	assert.Equal(t, "other", RenderStatus("other"))
}

func TestTableContainsCells(t *testing.T) {
	DisableColor()
	out := Table([]string{"Code", "Name"}, [][]string{{"P01", "Tea"}, {"P02", "Coffee"}})
	for _, want := range []string{"Code", "Name", "P01", "Tea", "Coffee"} {
		assert.Contains(t, out, want)
	}
	assert.GreaterOrEqual(t, len(strings.Split(out, "\n")), 4)
}

func TestKeyValuesAligns(t *testing.T) {
	DisableColor()
	out := KeyValues([][2]string{{"Products", "12"}, {"Pending", "3"}})
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "12"), strings.Index(lines[1], "3"))
}
