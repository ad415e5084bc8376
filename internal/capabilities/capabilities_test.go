// SPDX-License-Identifier: MIT

package capabilities

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlwaysMatchOnly(t *testing.T) {
	set, err := Parse(json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`))
	require.NoError(t, err)
	want := Set{Candidates: []Candidate{{BrowserName: "chrome"}}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Fatalf("candidate mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFirstMatchExpansion(t *testing.T) {
	raw := `{
		"alwaysMatch": {"platformName": "linux"},
		"firstMatch": [
			{"browserName": "chrome", "browserVersion": "99"},
			{"browserName": "firefox"}
		]
	}`
	set, err := Parse(json.RawMessage(raw))
	require.NoError(t, err)
	want := Set{Candidates: []Candidate{
		{BrowserName: "chrome", BrowserVersion: "99", PlatformName: "linux"},
		{BrowserName: "firefox", PlatformName: "linux"},
	}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Fatalf("candidate mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsDuplicateKey(t *testing.T) {
	raw := `{
		"alwaysMatch": {"browserName": "chrome"},
		"firstMatch": [{"browserName": "firefox"}]
	}`
	_, err := Parse(json.RawMessage(raw))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(json.RawMessage(`"not an object"`))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse(nil)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse(json.RawMessage(`{"alwaysMatch":{"browserName":7}}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseExtension(t *testing.T) {
	raw := `{"alwaysMatch":{
		"browserName": "chrome",
		"webgrid:options": {
			"metadata": {"project": "webgrid"},
			"disableRecording": true,
			"idleTimeoutSecs": 600
		}
	}}`
	set, err := Parse(json.RawMessage(raw))
	require.NoError(t, err)
	ext := set.Extension()
	assert.Equal(t, map[string]string{"project": "webgrid"}, ext.Metadata)
	assert.True(t, ext.DisableRecording)
	assert.Equal(t, 600, ext.IdleTimeoutSecs)
}

func TestBrowserWireForm(t *testing.T) {
	b, err := ParseBrowser("chrome::99.0")
	require.NoError(t, err)
	assert.Equal(t, Browser{Name: "chrome", Version: "99.0"}, b)
	assert.Equal(t, "chrome::99.0", b.String())

	_, err = ParseBrowser("chrome-99")
	assert.Error(t, err)
}

func TestVersionPrefixMatching(t *testing.T) {
	chrome99 := Browser{Name: "chrome", Version: "99.0.4844"}

	cases := []struct {
		name  string
		cand  Candidate
		match bool
	}{
		{"name only", Candidate{BrowserName: "chrome"}, true},
		{"version prefix", Candidate{BrowserName: "chrome", BrowserVersion: "99"}, true},
		{"full version prefix", Candidate{BrowserName: "chrome", BrowserVersion: "99.0"}, true},
		{"wrong version", Candidate{BrowserName: "chrome", BrowserVersion: "100"}, false},
		{"wrong name", Candidate{BrowserName: "safari"}, false},
		{"no requirements", Candidate{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.match, tc.cand.MatchesBrowser(chrome99))
		})
	}
}

func TestSetMatches(t *testing.T) {
	browsers := []Browser{{Name: "chrome", Version: "99.0"}}

	set, err := Parse(json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`))
	require.NoError(t, err)
	assert.True(t, set.Matches("linux", browsers))
	assert.True(t, set.Matches("", browsers), "provisioner with no platform matches any")

	set, err = Parse(json.RawMessage(`{"alwaysMatch":{"browserName":"safari"}}`))
	require.NoError(t, err)
	assert.False(t, set.Matches("linux", browsers))

	set, err = Parse(json.RawMessage(`{"alwaysMatch":{"browserName":"chrome","platformName":"mac"}}`))
	require.NoError(t, err)
	assert.False(t, set.Matches("linux", browsers))

	// Empty candidate set accepts anything.
	assert.True(t, Set{}.Matches("linux", browsers))
}
