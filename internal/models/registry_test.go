package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

func install(t *testing.T, resources string, c Config) {
	t.Helper()
	for _, p := range c.Paths(resources) {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("weights"), 0o644))
	}
}

func TestResolvePicksFirstInstalled(t *testing.T) {
	dir := t.TempDir()
	lite := Config{Name: MobileNetV2, Version: "lite", Heads: []string{"met_converter"}}
	install(t, dir, lite)

	c, paths, err := Resolve(dir, CalorieEstimation, "", "")
	require.NoError(t, err)
	assert.Equal(t, lite, c)
	assert.Equal(t, filepath.Join(dir, MobileNetV2, "lite", "met_converter.ckpt"), paths["met_converter"])
	assert.Equal(t, filepath.Join(dir, MobileNetV2, "lite", "backbone.ckpt"), paths["backbone"])
}

func TestResolveFiltersByNameAndVersion(t *testing.T) {
	dir := t.TempDir()
	install(t, dir, Config{Name: EfficientNet, Version: "pro", Heads: []string{"rep_counter"}})
	install(t, dir, Config{Name: MobileNetV2, Version: "pro", Heads: []string{"rep_counter"}})

	c, _, err := Resolve(dir, FitnessTracking, MobileNetV2, "pro")
	require.NoError(t, err)
	assert.Equal(t, MobileNetV2, c.Name)

	_, _, err = Resolve(dir, FitnessTracking, EfficientNet, "lite")
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, _, err = Resolve(dir, FitnessTracking, "ResNet", "")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestResolveRequiresEveryHead(t *testing.T) {
	dir := t.TempDir()
	c := Config{Name: EfficientNet, Version: "pro", Heads: []string{"gesture_classifier"}}
	install(t, dir, c)
	require.NoError(t, os.Remove(c.Paths(dir)["gesture_classifier"]))

	_, _, err := Resolve(dir, GestureDetection, EfficientNet, "pro")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
