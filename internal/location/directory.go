// Package location provides the venue's stand and zone directory. It is used
// only to decorate incidents with human-readable names; an unknown reference
// never fails an incident operation.
package location

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownLocation is returned when a reference is not in the directory.
var ErrUnknownLocation = errors.New("unknown location")

// Location is one stand, gate or zone of the venue.
type Location struct {
	Ref     string `yaml:"ref" json:"ref"`
	Name    string `yaml:"name" json:"name"`
	Section string `yaml:"section,omitempty" json:"section,omitempty"`
	Level   string `yaml:"level,omitempty" json:"level,omitempty"`
}

// Directory resolves location references.
type Directory interface {
	Resolve(ref string) (Location, error)
	List() []Location
}

type directoryFile struct {
	Venue     string     `yaml:"venue"`
	Locations []Location `yaml:"locations"`
}

// StaticDirectory is an immutable directory loaded once at startup.
type StaticDirectory struct {
	venue  string
	byRef  map[string]Location
	sorted []Location
}

// NewStaticDirectory builds a directory from a list of locations.
func NewStaticDirectory(venue string, locations []Location) (*StaticDirectory, error) {
	d := &StaticDirectory{
		venue: venue,
		byRef: make(map[string]Location, len(locations)),
	}
	for i, loc := range locations {
		loc.Ref = strings.TrimSpace(loc.Ref)
		loc.Name = strings.TrimSpace(loc.Name)
		if loc.Ref == "" {
			return nil, fmt.Errorf("location %d: ref is required", i)
		}
		if loc.Name == "" {
			return nil, fmt.Errorf("location %q: name is required", loc.Ref)
		}
		if _, dup := d.byRef[loc.Ref]; dup {
			return nil, fmt.Errorf("location %q: duplicate ref", loc.Ref)
		}
		d.byRef[loc.Ref] = loc
		d.sorted = append(d.sorted, loc)
	}
	sort.Slice(d.sorted, func(i, j int) bool { return d.sorted[i].Ref < d.sorted[j].Ref })
	return d, nil
}

// Parse reads a directory from YAML.
func Parse(data []byte) (*StaticDirectory, error) {
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse location directory: %w", err)
	}
	return NewStaticDirectory(file.Venue, file.Locations)
}

// Load reads a directory from a YAML file. An empty path yields an empty
// directory.
func Load(path string) (*StaticDirectory, error) {
	if path == "" {
		return NewStaticDirectory("", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read location directory %s: %w", path, err)
	}
	return Parse(data)
}

// Venue returns the venue name from the directory file.
func (d *StaticDirectory) Venue() string {
	return d.venue
}

// Resolve returns the location for ref.
func (d *StaticDirectory) Resolve(ref string) (Location, error) {
	loc, ok := d.byRef[strings.TrimSpace(ref)]
	if !ok {
		return Location{}, fmt.Errorf("%w: %q", ErrUnknownLocation, ref)
	}
	return loc, nil
}

// List returns every location ordered by ref.
func (d *StaticDirectory) List() []Location {
	out := make([]Location, len(d.sorted))
	copy(out, d.sorted)
	return out
}

// NameOf returns the display name for ref, or "" when ref is nil or unknown.
func NameOf(dir Directory, ref *string) string {
	if dir == nil || ref == nil {
		return ""
	}
	loc, err := dir.Resolve(*ref)
	if err != nil {
		return ""
	}
	return loc.Name
}
