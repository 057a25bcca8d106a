package relay

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/burrow/pkg/util"
)

func TestSplitTunnelPath(t *testing.T) {
	tests := []struct {
		in, name, rest string
	}{
		{"/", "", "/"},
		{"/svc", "svc", "/"},
		{"/svc/", "svc", "/"},
		{"/svc/a/b", "svc", "/a/b"},
		{"/svc/files/a%2Fb", "svc", "/files/a%2Fb"},
		{"/svc/with%20space", "svc", "/with%20space"},
		{"/%73vc/x", "svc", "/x"},
	}
	for _, tt := range tests {
		name, rest := splitTunnelPath(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.rest, rest, tt.in)
	}
}

func TestUnknownTunnelsShareOneSeries(t *testing.T) {
	s, err := NewServer(Config{}, util.NopLogger())
	require.NoError(t, err)
	h := s.Handler()

	unknown := metricRequestsTotal.WithLabelValues(unknownTunnel, http.MethodGet, OutcomeNotFound.String())
	hitsBefore := testutil.ToFloat64(unknown)
	seriesBefore := testutil.CollectAndCount(metricRequestsTotal)

	for i := 0; i < 500; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/random-%d/x", i), nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(fmt.Sprintf("VERB%d", i), "/random/x", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.LessOrEqual(t, testutil.CollectAndCount(metricRequestsTotal)-seriesBefore, 2)
	assert.Equal(t, hitsBefore+500, testutil.ToFloat64(unknown))
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, http.MethodPatch, methodLabel(http.MethodPatch))
	assert.Equal(t, "OTHER", methodLabel("PROPFIND"))
	assert.Equal(t, "OTHER", methodLabel("get"))
}
