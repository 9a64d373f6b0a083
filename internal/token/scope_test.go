package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestValidateScope_Invariants validates the grant-format invariant:
// scopes are colon-separated with at least two segments and wildcards only
// in final position.
func TestValidateScope_Invariants(t *testing.T) {
	valid := []string{"email:send", "email:*", "payment:wire:initiate", "payment:wire:*"}
	for _, scope := range valid {
		assert.NoError(t, validateScope(scope), scope)
	}

	invalid := []string{
		"",
		"email",
		"*",
		"email:",
		":send",
		"email:*:send",
		"em*il:send",
	}
	for _, scope := range invalid {
		assert.Error(t, validateScope(scope), scope)
	}
}

func TestScopeAllows(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		assert.True(t, scopeAllows("email:send", "email:send"))
		assert.False(t, scopeAllows("email:send", "email:read"))
	})

	t.Run("wildcard covers segment prefix", func(t *testing.T) {
		assert.True(t, scopeAllows("email:*", "email:send"))
		assert.True(t, scopeAllows("email:*", "email:send:bulk"))
		assert.True(t, scopeAllows("payment:wire:*", "payment:wire:initiate"))
	})

	t.Run("wildcard does not cross segment boundaries", func(t *testing.T) {
		assert.False(t, scopeAllows("email:*", "emailx:send"))
		assert.False(t, scopeAllows("email:*", "email"))
		assert.False(t, scopeAllows("payment:wire:*", "payment:ach"))
	})

	t.Run("non-wildcard grant never matches prefix", func(t *testing.T) {
		assert.False(t, scopeAllows("email:send", "email:send:bulk"))
	})
}
