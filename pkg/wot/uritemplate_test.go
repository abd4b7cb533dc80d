package wot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandURIVariables(t *testing.T) {
	t.Run("expands query variable", func(t *testing.T) {
		form := &Form{Href: "http://h/inc{?step}"}

		expanded, err := ExpandURIVariables(form, map[string]any{"step": 3})
		require.NoError(t, err)
		assert.Equal(t, "http://h/inc?step=3", expanded.Href)
		assert.NotSame(t, form, expanded)
		assert.Equal(t, "http://h/inc{?step}", form.Href)
	})

	t.Run("no params returns same form", func(t *testing.T) {
		form := &Form{Href: "http://h/inc{?step}"}

		same, err := ExpandURIVariables(form, map[string]any{})
		require.NoError(t, err)
		assert.Same(t, form, same)
	})

	t.Run("unrelated params return same form", func(t *testing.T) {
		form := &Form{Href: "http://h/inc{?step}"}

		same, err := ExpandURIVariables(form, map[string]any{"other": 1})
		require.NoError(t, err)
		assert.Same(t, form, same)
	})

	t.Run("plain href returns same form", func(t *testing.T) {
		form := &Form{Href: "http://h/inc"}

		same, err := ExpandURIVariables(form, map[string]any{"step": 3})
		require.NoError(t, err)
		assert.Same(t, form, same)
	})

	t.Run("path and list variables", func(t *testing.T) {
		form := &Form{Href: "http://h/{room}/lights{?ids*}", Op: []Operation{OpReadProperty}}

		expanded, err := ExpandURIVariables(form, map[string]any{"room": "kitchen", "ids": []any{1, 2}})
		require.NoError(t, err)
		assert.Equal(t, "http://h/kitchen/lights?ids=1&ids=2", expanded.Href)
		assert.Equal(t, form.Op, expanded.Op)
	})

	t.Run("invalid template", func(t *testing.T) {
		_, err := ExpandURIVariables(&Form{Href: "http://h/{unclosed"}, map[string]any{"unclosed": 1})
		assert.Error(t, err)
	})
}
