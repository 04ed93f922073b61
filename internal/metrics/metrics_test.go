package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersExposed(t *testing.T) {
	TilesEncodedTotal.WithLabelValues("metrics_test").Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(TilesEncodedTotal.WithLabelValues("metrics_test")))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `parceltiles_tiles_encoded_total{source="metrics_test"} 3`)
}
