package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidUsername(t *testing.T) {
	assert.True(t, ValidUsername("alice"))
	assert.True(t, ValidUsername("node_operator-2.0"))
	assert.False(t, ValidUsername("ab"))
	assert.False(t, ValidUsername("has spaces"))
	assert.False(t, ValidUsername(strings.Repeat("a", 33)))
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("alice@example.com"))
	assert.False(t, ValidEmail("not-an-email"))
	assert.False(t, ValidEmail("a@b"))
	assert.False(t, ValidEmail("two@@example.com"))
}

func TestValidHFRepo(t *testing.T) {
	assert.True(t, ValidHFRepo("bartowski/Llama-3.2-3B-Instruct-GGUF"))
	assert.True(t, ValidHFRepo("bartowski/Llama-3.2-3B:Q4_K_M"))
	assert.False(t, ValidHFRepo("no-owner"))
	assert.False(t, ValidHFRepo("too/many/slashes"))
	assert.False(t, ValidHFRepo(""))
}

func TestValidModelID(t *testing.T) {
	assert.True(t, ValidModelID("llama-3.2-3b"))
	assert.False(t, ValidModelID(""))
	assert.False(t, ValidModelID("   "))
}
