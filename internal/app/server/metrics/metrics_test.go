package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"possync/internal/domain/entity"
)

func TestCollector(t *testing.T) {
	c := New()

	c.ObservePush(entity.Product, "success")
	c.ObservePush(entity.Product, "success")
	c.ObservePush(entity.Product, "conflict")
	c.ObservePull(entity.Brand, 7)
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.AckReceived()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.pushResults.WithLabelValues("Product", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pushResults.WithLabelValues("Product", "conflict")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.pulled.WithLabelValues("Brand")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wsConns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wsAcks))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "possync_push_changes_total")
	assert.Contains(t, rec.Body.String(), "possync_ws_connections 1")
}
