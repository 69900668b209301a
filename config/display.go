package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// Display describes how the screen is labelled. It is loaded from an
// optional HuJSON file.
type Display struct {
	// Title shown in the screen header. Empty means the evcc host name.
	Title string `json:"title"`

	// Timezone used for the "last updated" line, e.g. "Europe/Berlin".
	Timezone string `json:"timezone"`

	// Loadpoints holds fallback names, by position, for loadpoints that
	// evcc reports without a title.
	Loadpoints []string `json:"loadpoints"`

	location *time.Location
}

// LoadDisplay reads and validates the HuJSON display configuration file.
// An empty path yields the zero configuration.
func LoadDisplay(path string) (*Display, error) {
	if path == "" {
		return &Display{location: time.Local}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read display config file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	var d Display
	if err := json.Unmarshal(standardized, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal display config: %w", err)
	}

	for i, name := range d.Loadpoints {
		if name == "" {
			return nil, fmt.Errorf("loadpoint name %d is empty", i)
		}
	}

	d.location = time.Local
	if d.Timezone != "" {
		loc, err := time.LoadLocation(d.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", d.Timezone, err)
		}
		d.location = loc
	}

	return &d, nil
}

// Location returns the configured timezone, or the local zone.
func (d *Display) Location() *time.Location {
	if d == nil || d.location == nil {
		return time.Local
	}
	return d.location
}
