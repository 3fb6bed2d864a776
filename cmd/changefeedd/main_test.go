package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapi/changefeed/internal"
)

func TestChangefeedd(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		var out bytes.Buffer
		err := parseFlags(t.Context(), []string{"--version"}, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), internal.Version)
	})

	t.Run("help", func(t *testing.T) {
		var out bytes.Buffer
		err := parseFlags(t.Context(), []string{"--help"}, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "--upstream-url")
	})

	t.Run("missing secret", func(t *testing.T) {
		err := parseFlags(t.Context(), []string{}, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("invalid secret from environment", func(t *testing.T) {
		t.Setenv("CHANGEFEED_SECRET", "abc")
		err := parseFlags(t.Context(), []string{}, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("invalid validation mode", func(t *testing.T) {
		err := parseFlags(t.Context(), []string{"--secret", "6b07b57377755b07cf61709780ee7484", "--validation", "lenient"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}
