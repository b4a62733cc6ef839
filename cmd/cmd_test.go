package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCLICommands(t *testing.T) {
	root := NewCLI()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "runner")
	assert.Contains(t, names, "env")
}

func TestEnvTable(t *testing.T) {
	t.Setenv("LLAVA_NUM_PARALLEL", "3")

	var buf bytes.Buffer
	writeEnvTable(&buf)

	out := buf.String()
	assert.Contains(t, out, "LLAVA_HOST")
	assert.Contains(t, out, "LLAVA_NUM_PARALLEL")
	assert.Contains(t, out, "3")
}
