package payment

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"licensing-controlplane/pkg/middleware"
	"licensing-controlplane/services/feature"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(f *fixture) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Error())
	NewHandler(HandlerParams{Reconciler: f.reconciler}).RegisterRoutes(router.Group("/v1"))
	return router
}

func postWebhook(router http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlerWebhook(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	payload := checkout(t, "evt_1", "cs_1", machine(t, "A"), feature.TierStartup, false)

	w := postWebhook(router, payload, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = postWebhook(router, payload, SignHeader(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, true, body["received"])
	require.Equal(t, string(OutcomeLicenseCreated), body["outcome"])
}

func TestHandlerPricing(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	req := httptest.NewRequest(http.MethodGet, "/v1/pricing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Plans []struct {
			LicenseType string `json:"license_type"`
			Price       string `json:"price"`
			Interval    string `json:"interval"`
		} `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Plans, len(feature.Tiers()))
	require.Equal(t, "student", body.Plans[0].LicenseType)
	require.Equal(t, "49", body.Plans[0].Price)
	require.Equal(t, "year", body.Plans[0].Interval)
}
