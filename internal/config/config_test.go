package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/config"
	"github.com/zonemesh/zonemesh/internal/geo"
)

func TestNodeCLI_World(t *testing.T) {
	c := config.NodeCLI{WorldTo: "1000 500"}
	w, err := c.World()
	require.NoError(t, err)
	assert.Equal(t, geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 1000, Y: 500}}, w)
}

func TestNodeCLI_World_RejectsMalformed(t *testing.T) {
	c := config.NodeCLI{WorldTo: "not-a-rect"}
	_, err := c.World()
	assert.Error(t, err)
}

func TestBootstrapCLI_World(t *testing.T) {
	c := config.BootstrapCLI{WorldTo: "200 200"}
	w, err := c.World()
	require.NoError(t, err)
	assert.Equal(t, float64(200), w.To.X)
}
