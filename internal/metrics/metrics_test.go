package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	before := testutil.ToFloat64(ScanRounds.WithLabelValues("sorted-merge"))
	ScanRounds.WithLabelValues("sorted-merge").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(ScanRounds.WithLabelValues("sorted-merge")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `cursordb_scan_rounds_total{solver="sorted-merge"}`))
}
