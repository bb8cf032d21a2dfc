// Package models locates model weight files on disk.
//
// Weights are laid out as <resources>/<name>/<version>/<part>.ckpt where
// part is "backbone" or the name of a head.
package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

const backbonePart = "backbone"

// Config names a backbone architecture, a weight version and the heads
// stacked on top of it.
type Config struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Heads   []string `json:"heads"`
}

func (c Config) String() string {
	return fmt.Sprintf("%s/%s [%s]", c.Name, c.Version, strings.Join(c.Heads, ","))
}

// Paths returns the weight file of every part, keyed by part name
func (c Config) Paths(resources string) map[string]string {
	dir := filepath.Join(resources, c.Name, c.Version)
	paths := map[string]string{
		backbonePart: filepath.Join(dir, backbonePart+".ckpt"),
	}
	for _, h := range c.Heads {
		paths[h] = filepath.Join(dir, h+".ckpt")
	}
	return paths
}

// Architectures shipped with pretrained weights
const (
	EfficientNet = "StridedInflatedEfficientNet"
	MobileNetV2  = "StridedInflatedMobileNetV2"
)

func supported(heads ...string) []Config {
	var out []Config
	for _, version := range []string{"pro", "lite"} {
		for _, name := range []string{EfficientNet, MobileNetV2} {
			out = append(out, Config{Name: name, Version: version, Heads: heads})
		}
	}
	return out
}

// Supported configurations per task
var (
	CalorieEstimation = supported("met_converter")
	FitnessTracking   = supported("rep_counter")
	GestureDetection  = supported("gesture_classifier")
)

// ForHeads returns the supported configurations for the given heads
func ForHeads(heads []string) []Config {
	return supported(heads...)
}

// Resolve picks the first configuration matching name and version (empty
// matches anything) whose weight files all exist under resources.
func Resolve(resources string, configs []Config, name, version string) (Config, map[string]string, error) {
	var candidates []Config
	for _, c := range configs {
		if name != "" && c.Name != name {
			continue
		}
		if version != "" && c.Version != version {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return Config{}, nil, fmt.Errorf("%w: no supported model matches name=%q version=%q",
			types.ErrConfiguration, name, version)
	}

	var missing []string
	for _, c := range candidates {
		paths := c.Paths(resources)
		ok := true
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				missing = append(missing, p)
				ok = false
			}
		}
		if ok {
			return c, paths, nil
		}
	}

	return Config{}, nil, fmt.Errorf("%w: no weights found under %s (missing %s)",
		types.ErrConfiguration, resources, strings.Join(missing, ", "))
}
