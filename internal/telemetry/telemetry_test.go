package telemetry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/dispatch"
	"github.com/shaharia-lab/outagewatch/internal/storage"
	"github.com/shaharia-lab/outagewatch/internal/telemetry"
)

var _ dispatch.Metrics = (*telemetry.DispatchMetrics)(nil)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestSetup_WithoutCollector(t *testing.T) {
	ctx := context.Background()
	p, err := telemetry.Setup(ctx, telemetry.Config{ServiceVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	assert.Nil(t, p.LoggerProvider)
	assert.Nil(t, p.LogHandler())
	assert.NotNil(t, p.TracerProvider)

	body := scrape(t, p.Handler())
	assert.Contains(t, body, "go_goroutines")
}

func TestDispatchMetrics_Exposed(t *testing.T) {
	ctx := context.Background()
	p, err := telemetry.Setup(ctx, telemetry.Config{ServiceVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := telemetry.NewDispatchMetrics(p.Meter("dispatch"))
	require.NoError(t, err)

	m.TriggerHandled(storage.KindCreated, "processed")
	m.TaskAdmitted(storage.ChannelEmail, storage.KindCreated, storage.Admitted)
	m.TaskFinished(storage.ChannelEmail, storage.KindCreated, "SENT")
	m.SendAttempt(storage.ChannelEmail, "accepted", 120*time.Millisecond)
	m.QueueDepth(7)

	body := scrape(t, p.Handler())
	assert.Contains(t, body, "outagewatch_triggers")
	assert.Contains(t, body, `outcome="processed"`)
	assert.Contains(t, body, "outagewatch_tasks_admitted")
	assert.Contains(t, body, `result="admitted"`)
	assert.Contains(t, body, "outagewatch_tasks_finished")
	assert.Contains(t, body, "outagewatch_send_duration")
	assert.Contains(t, body, "outagewatch_queue_depth")
}

func TestShutdown(t *testing.T) {
	p, err := telemetry.Setup(context.Background(), telemetry.Config{})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}
