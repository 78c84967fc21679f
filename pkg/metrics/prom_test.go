package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHandlerExposesCounters(t *testing.T) {
	Published.WithLabelValues("metrics-test.Task", "command").Inc()
	DeliveryErrors.WithLabelValues("metrics-test.Task", "event", ClassApplication).Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(Published.WithLabelValues("metrics-test.Task", "command")))
	assert.Equal(t, 2.0, testutil.ToFloat64(DeliveryErrors.WithLabelValues("metrics-test.Task", "event", ClassApplication)))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `kroute_published_total{kind="command",topic="metrics-test.Task"} 1`))
}

func TestStartPrometheusServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	StartPrometheusServer(ctx, &wg, &PromServerOpts{Addr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})
	cancel()
	wg.Wait()
}
