// SPDX-License-Identifier: MIT

// Package capabilities parses WebDriver new-session capability requests and
// matches them against what provisioners advertise. The grid understands
// three standard fields (browserName, browserVersion, platformName) plus
// its own extension object; everything else passes through to the driver
// untouched.
package capabilities

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ExtensionKey is the vendor-prefixed capability carrying grid options.
const ExtensionKey = "webgrid:options"

// ErrInvalid reports a request the grid cannot work with. It maps to the
// INVALIDCAP log code and a sessionNotCreated response.
var ErrInvalid = errors.New("capabilities: invalid request")

// Extension is the grid's own capability object.
type Extension struct {
	Metadata         map[string]string `json:"metadata,omitempty"`
	DisableRecording bool              `json:"disableRecording,omitempty"`
	IdleTimeoutSecs  int               `json:"idleTimeoutSecs,omitempty"`
}

// Candidate is one merged alwaysMatch+firstMatch capability record.
type Candidate struct {
	BrowserName    string
	BrowserVersion string
	PlatformName   string
	Extension      Extension
}

// Set is a parsed request: the candidate records in firstMatch order.
type Set struct {
	Candidates []Candidate
}

type requestShape struct {
	AlwaysMatch json.RawMessage   `json:"alwaysMatch"`
	FirstMatch  []json.RawMessage `json:"firstMatch"`
}

// Parse expands a capabilities request into its candidate set. Per the
// WebDriver merge rules, a key present in alwaysMatch may not reappear in a
// firstMatch entry.
func Parse(raw json.RawMessage) (Set, error) {
	if len(raw) == 0 {
		return Set{}, fmt.Errorf("%w: empty capabilities", ErrInvalid)
	}
	var req requestShape
	if err := json.Unmarshal(raw, &req); err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	always, err := decodeObject(req.AlwaysMatch)
	if err != nil {
		return Set{}, fmt.Errorf("%w: alwaysMatch: %v", ErrInvalid, err)
	}

	if len(req.FirstMatch) == 0 {
		cand, err := toCandidate(always)
		if err != nil {
			return Set{}, err
		}
		return Set{Candidates: []Candidate{cand}}, nil
	}

	var set Set
	for i, fm := range req.FirstMatch {
		entry, err := decodeObject(fm)
		if err != nil {
			return Set{}, fmt.Errorf("%w: firstMatch[%d]: %v", ErrInvalid, i, err)
		}
		merged := make(map[string]json.RawMessage, len(always)+len(entry))
		for k, v := range always {
			merged[k] = v
		}
		for k, v := range entry {
			if _, dup := merged[k]; dup {
				return Set{}, fmt.Errorf("%w: firstMatch[%d] redefines %q", ErrInvalid, i, k)
			}
			merged[k] = v
		}
		cand, err := toCandidate(merged)
		if err != nil {
			return Set{}, err
		}
		set.Candidates = append(set.Candidates, cand)
	}
	return set, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func toCandidate(fields map[string]json.RawMessage) (Candidate, error) {
	var c Candidate
	if err := decodeString(fields, "browserName", &c.BrowserName); err != nil {
		return c, err
	}
	if err := decodeString(fields, "browserVersion", &c.BrowserVersion); err != nil {
		return c, err
	}
	if err := decodeString(fields, "platformName", &c.PlatformName); err != nil {
		return c, err
	}
	if raw, ok := fields[ExtensionKey]; ok {
		if err := json.Unmarshal(raw, &c.Extension); err != nil {
			return c, fmt.Errorf("%w: %s: %v", ErrInvalid, ExtensionKey, err)
		}
	}
	return c, nil
}

func decodeString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s is not a string", ErrInvalid, key)
	}
	return nil
}

// Extension returns the first candidate's grid extension. The grid options
// ride in alwaysMatch in practice, so every candidate carries the same one.
func (s Set) Extension() Extension {
	for _, c := range s.Candidates {
		if c.Extension.Metadata != nil || c.Extension.DisableRecording || c.Extension.IdleTimeoutSecs > 0 {
			return c.Extension
		}
	}
	if len(s.Candidates) > 0 {
		return s.Candidates[0].Extension
	}
	return Extension{}
}

// Browser is one advertised browser, wire form "name::version".
type Browser struct {
	Name    string
	Version string
}

// ParseBrowser parses the name::version wire form.
func ParseBrowser(s string) (Browser, error) {
	name, version, ok := strings.Cut(s, "::")
	if !ok || name == "" {
		return Browser{}, fmt.Errorf("browser %q is not in name::version form", s)
	}
	return Browser{Name: name, Version: version}, nil
}

// String returns the wire form.
func (b Browser) String() string { return b.Name + "::" + b.Version }

// MatchesBrowser reports whether this candidate accepts the given browser:
// name equality when requested, requested version as a prefix of the
// advertised version when requested.
func (c Candidate) MatchesBrowser(b Browser) bool {
	if c.BrowserName != "" && c.BrowserName != b.Name {
		return false
	}
	if c.BrowserVersion != "" && !strings.HasPrefix(b.Version, c.BrowserVersion) {
		return false
	}
	return true
}

// MatchesPlatform reports whether this candidate accepts the advertised
// platform. An empty side matches anything.
func (c Candidate) MatchesPlatform(platform string) bool {
	return c.PlatformName == "" || platform == "" || strings.EqualFold(c.PlatformName, platform)
}

// Matches reports whether any candidate accepts the advertised platform and
// at least one of the advertised browsers. An empty candidate set matches
// everything, mirroring a request with no requirements.
func (s Set) Matches(platform string, browsers []Browser) bool {
	if len(s.Candidates) == 0 {
		return true
	}
	for _, c := range s.Candidates {
		if !c.MatchesPlatform(platform) {
			continue
		}
		for _, b := range browsers {
			if c.MatchesBrowser(b) {
				return true
			}
		}
	}
	return false
}
