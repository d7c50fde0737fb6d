package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/metrics"
)

func TestNewNode_RegistersAndServes(t *testing.T) {
	n := metrics.NewNode("node-a")
	n.RouterForwards.WithLabelValues("set").Inc()
	n.TrashSetSize.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "zonemesh_router_forwards_total")
	assert.Contains(t, body, `node_id="node-a"`)
}
