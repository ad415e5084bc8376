// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Image declares one container image a provisioner can launch and the
// browser it carries. Browser uses the wire form "name::version".
type Image struct {
	Name    string `yaml:"image"`
	Browser string `yaml:"browser"`
}

// File is the optional on-disk configuration. Everything in it can also be
// supplied through the environment; the file exists for values that are
// awkward as env vars (image lists) and for hot reload.
type File struct {
	LogLevel        string            `yaml:"logLevel,omitempty"`
	Images          []Image           `yaml:"images,omitempty"`
	StaticEndpoints map[string]string `yaml:"staticEndpoints,omitempty"`
}

// LoadFile reads and validates a YAML config file.
func LoadFile(path string) (File, error) {
	var f File
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return f, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return f, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return f, fmt.Errorf("validate config file %s: %w", path, err)
	}
	return f, nil
}

// Validate rejects image entries that cannot be matched against requested
// capabilities later.
func (f File) Validate() error {
	for i, img := range f.Images {
		if img.Name == "" {
			return fmt.Errorf("images[%d]: image name is empty", i)
		}
		if img.Browser == "" {
			return fmt.Errorf("images[%d] (%s): browser is empty", i, img.Name)
		}
		if !strings.Contains(img.Browser, "::") {
			return fmt.Errorf("images[%d] (%s): browser %q is not in name::version form", i, img.Name, img.Browser)
		}
	}
	return nil
}

// ParseImages parses the WEBGRID_IMAGES env form: a comma separated list of
// image=browser::version entries, e.g.
//
//	img-chrome=chrome::99.0,img-firefox=firefox::132.0
func ParseImages(raw string) ([]Image, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var images []Image
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, browser, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("image entry %q is not in image=browser::version form", entry)
		}
		img := Image{Name: strings.TrimSpace(name), Browser: strings.TrimSpace(browser)}
		if img.Name == "" || !strings.Contains(img.Browser, "::") {
			return nil, fmt.Errorf("image entry %q is not in image=browser::version form", entry)
		}
		images = append(images, img)
	}
	return images, nil
}
