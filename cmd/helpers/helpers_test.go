package helpers

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, MaskValue, MaskSecret("hunter2"))
	assert.Equal(t, "(unset)", MaskSecret(""))
}

func TestPrintMapAsTable_SortedKeys(t *testing.T) {
	var buf bytes.Buffer
	PrintMapAsTable(&buf, map[string]any{
		"subject": "alice",
		"active":  true,
		"scopes":  "read write",
	})

	out := buf.String()
	active := strings.Index(out, "active")
	scopes := strings.Index(out, "scopes")
	subject := strings.Index(out, "subject")
	assert.True(t, active >= 0 && active < scopes && scopes < subject, out)
	assert.Contains(t, out, "alice")
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, []string{"Key", "Value"}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}
