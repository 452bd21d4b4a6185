package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/models"
)

func jsonServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFearGreedFetch(t *testing.T) {
	srv := jsonServer(t, `{"data":[{"value":"71","value_classification":"Greed","timestamp":"1756100000"}]}`)
	p := NewFearGreed(srv.URL, 2*time.Second)
	assert.Equal(t, "fear_greed", p.Name())

	event, err := p.Fetch(context.Background())
	require.NoError(t, err)
	metric := event.Payload.(models.OnchainMetric)
	assert.Equal(t, models.EventOnchainMetric, event.Type)
	assert.Equal(t, "fear_greed_index", metric.Metric)
	assert.Equal(t, 71.0, metric.Value)
	assert.Equal(t, "Greed", metric.Label)
	assert.Equal(t, time.Unix(1756100000, 0).UTC(), metric.Time)
}

func TestFearGreedEmptyData(t *testing.T) {
	srv := jsonServer(t, `{"data":[]}`)
	p := NewFearGreed(srv.URL, 2*time.Second)
	_, err := p.Fetch(context.Background())
	assert.Error(t, err)
}

func TestCBBIPicksNewestPoint(t *testing.T) {
	srv := jsonServer(t, `{"Confidence":{"1756000000":0.55,"1756100000":0.62,"1755900000":0.50}}`)
	p := NewCBBI(srv.URL, 2*time.Second)

	event, err := p.Fetch(context.Background())
	require.NoError(t, err)
	metric := event.Payload.(models.OnchainMetric)
	assert.Equal(t, "cbbi_confidence", metric.Metric)
	assert.InDelta(t, 62.0, metric.Value, 1e-9)
	assert.Equal(t, time.Unix(1756100000, 0).UTC(), metric.Time)
}

func TestCBBIEmptySeries(t *testing.T) {
	srv := jsonServer(t, `{"Confidence":{}}`)
	p := NewCBBI(srv.URL, 2*time.Second)
	_, err := p.Fetch(context.Background())
	assert.Error(t, err)
}

func TestBlockchainFetch(t *testing.T) {
	srv := jsonServer(t, `{"hash_rate":123456789.5,"timestamp":1756100000000}`)
	p := NewBlockchain(srv.URL, 2*time.Second)

	event, err := p.Fetch(context.Background())
	require.NoError(t, err)
	metric := event.Payload.(models.OnchainMetric)
	assert.Equal(t, "hash_rate", metric.Metric)
	assert.Equal(t, 123456789.5, metric.Value)
	assert.Equal(t, time.UnixMilli(1756100000000).UTC(), metric.Time)
}

func TestFetchRecordsUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := NewFearGreed(srv.URL, 2*time.Second)
	_, err := p.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fear_greed fetch failed")
}

func TestFetchHonorsCancelledContext(t *testing.T) {
	srv := jsonServer(t, `{"data":[]}`)
	p := NewFearGreed(srv.URL, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
