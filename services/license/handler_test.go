package license

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"licensing-controlplane/pkg/middleware"
	"licensing-controlplane/services/feature"
	"licensing-controlplane/services/fingerprint"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(f *fixture) *gin.Engine {
	h := NewHandler(HandlerParams{
		Verifier: f.verifier,
		Deriver:  fingerprint.NewDeriverWithSalt("S"),
	})

	router := gin.New()
	router.Use(middleware.Error())
	h.RegisterRoutes(router.Group("/v1"))
	return router
}

func performRequest(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerMachineFingerprint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w := performRequest(router, http.MethodPost, "/v1/machine-fingerprint", map[string]string{
		"cpu_id":         "A",
		"motherboard_id": "B",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp fingerprintResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, testFingerprint(t, "A"), resp.MachineFingerprint)
	require.Contains(t, resp.PaymentURL, "/payment?mf="+resp.MachineFingerprint)

	w = performRequest(router, http.MethodPost, "/v1/machine-fingerprint", map[string]string{"cpu_id": "A"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerVerifyStatusCodes(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	fp := testFingerprint(t, "A")

	w := performRequest(router, http.MethodPost, "/v1/licenses/verify", VerifyRequest{Fingerprint: fp})
	require.Equal(t, http.StatusOK, w.Code)

	var res VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, VerifyInvalid, res.Status)
	require.Equal(t, ActionPurchaseRequired, res.Action)

	f.create(t, fp, feature.TierStartup, t0.AddDate(0, 1, 0))
	w = performRequest(router, http.MethodPost, "/v1/licenses/verify", VerifyRequest{Fingerprint: fp, Product: "suite", Version: "2.0"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, VerifyValid, res.Status)
	require.EqualValues(t, 1, res.VerificationCount)

	w = performRequest(router, http.MethodPost, "/v1/licenses/verify", VerifyRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
