// Package relevance decides which records concern a user, based on the
// user's work-area assignment.
package relevance

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog names the area codes and the compound groups built from them.
type Catalog struct {
	Areas  map[string]string   `yaml:"areas"`
	Groups map[string][]string `yaml:"groups"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Areas: map[string]string{
			"P": "Press",
			"A": "Parts assembly",
			"C": "Cab assembly",
		},
		Groups: map[string][]string{
			"AC": {"A", "C"},
		},
	}
}

// LoadCatalog reads a YAML catalog and merges it over the defaults. A
// missing file yields the defaults.
//
//	areas:
//	  W: Welding
//	groups:
//	  PW: [P, W]
func LoadCatalog(path string) (Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cat, nil
	}
	if err != nil {
		return cat, fmt.Errorf("read areas catalog: %w", err)
	}

	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cat, fmt.Errorf("parse areas catalog %s: %w", path, err)
	}
	for code, name := range file.Areas {
		cat.Areas[strings.TrimSpace(code)] = name
	}
	for name, members := range file.Groups {
		cat.Groups[strings.TrimSpace(name)] = members
	}
	if err := cat.Validate(); err != nil {
		return DefaultCatalog(), err
	}
	return cat, nil
}

// Validate checks that every group member is a known area and that no
// group shadows an area code.
func (c Catalog) Validate() error {
	for name, members := range c.Groups {
		if name == "" || len(members) == 0 {
			return fmt.Errorf("areas catalog: group %q is empty", name)
		}
		if _, clash := c.Areas[name]; clash {
			return fmt.Errorf("areas catalog: group %q shadows an area code", name)
		}
		for _, m := range members {
			if _, ok := c.Areas[m]; !ok {
				return fmt.Errorf("areas catalog: group %q references unknown area %q", name, m)
			}
		}
	}
	return nil
}

// AreaName returns the display name of an area code, or the code itself.
func (c Catalog) AreaName(code string) string {
	if name, ok := c.Areas[code]; ok {
		return name
	}
	if code == "" {
		return "-"
	}
	return code
}

// Assignments lists every valid assignment value, sorted.
func (c Catalog) Assignments() []string {
	out := make([]string, 0, len(c.Areas)+len(c.Groups)+1)
	for code := range c.Areas {
		out = append(out, code)
	}
	for name := range c.Groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
