// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringPrecedence(t *testing.T) {
	t.Setenv("WEBGRID_TEST_STR", "from-env")
	assert.Equal(t, "from-env", ParseString("WEBGRID_TEST_STR", "fallback"))

	assert.Equal(t, "fallback", ParseString("WEBGRID_TEST_STR_MISSING", "fallback"))

	t.Setenv("WEBGRID_TEST_STR_EMPTY", "")
	assert.Equal(t, "fallback", ParseString("WEBGRID_TEST_STR_EMPTY", "fallback"))
}

func TestParseIntInvalidFallsBack(t *testing.T) {
	t.Setenv("WEBGRID_TEST_INT", "42")
	assert.Equal(t, 42, ParseInt("WEBGRID_TEST_INT", 7))

	t.Setenv("WEBGRID_TEST_INT", "not-a-number")
	assert.Equal(t, 7, ParseInt("WEBGRID_TEST_INT", 7))
}

func TestParseBool(t *testing.T) {
	t.Setenv("WEBGRID_TEST_BOOL", "true")
	assert.True(t, ParseBool("WEBGRID_TEST_BOOL", false))

	t.Setenv("WEBGRID_TEST_BOOL", "banana")
	assert.False(t, ParseBool("WEBGRID_TEST_BOOL", false))
}

func TestParseDurationAcceptsSecondsAndGoForm(t *testing.T) {
	t.Setenv("WEBGRID_TEST_DUR", "5m")
	assert.Equal(t, 5*time.Minute, ParseDuration("WEBGRID_TEST_DUR", time.Second))

	t.Setenv("WEBGRID_TEST_DUR", "300")
	assert.Equal(t, 300*time.Second, ParseDuration("WEBGRID_TEST_DUR", time.Second))

	t.Setenv("WEBGRID_TEST_DUR", "soon")
	assert.Equal(t, time.Second, ParseDuration("WEBGRID_TEST_DUR", time.Second))
}

func TestParseImages(t *testing.T) {
	images, err := ParseImages("img-chrome=chrome::99.0, img-firefox=firefox::132.0")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, Image{Name: "img-chrome", Browser: "chrome::99.0"}, images[0])
	assert.Equal(t, Image{Name: "img-firefox", Browser: "firefox::132.0"}, images[1])

	_, err = ParseImages("missing-separator")
	require.Error(t, err)

	images, err = ParseImages("  ")
	require.NoError(t, err)
	assert.Empty(t, images)
}
