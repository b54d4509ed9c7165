package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeywordWarnings(t *testing.T) {
	warnings, err := parseKeywordWarnings([]string{
		"where=output is missing a WHERE clause",
		"!nolock=output uses NOLOCK hint",
		"limit",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"where":   "output is missing a WHERE clause",
		"!nolock": "output uses NOLOCK hint",
		"limit":   `output does not mention "limit"`,
	}, warnings)
}

func TestParseKeywordWarningsEmpty(t *testing.T) {
	warnings, err := parseKeywordWarnings(nil)
	require.NoError(t, err)
	assert.Nil(t, warnings)
}

func TestParseKeywordWarningsInvalid(t *testing.T) {
	_, err := parseKeywordWarnings([]string{"=no keyword"})
	assert.Error(t, err)

	_, err = parseKeywordWarnings([]string{"!"})
	assert.Error(t, err)
}
