package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"licensing-controlplane/pkg/middleware"
	"licensing-controlplane/services/feature"
	"licensing-controlplane/services/license"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(f *fixture) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Error())
	rg := router.Group("/v1/admin", middleware.AdminKey(testAdminKey))
	NewHandler(HandlerParams{Service: f.svc, Audit: f.audit}).RegisterRoutes(rg)
	return router
}

func performRequest(router http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.AdminKeyHeader, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlerRequiresAdminKey(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w := performRequest(router, http.MethodGet, "/v1/admin/analytics", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = performRequest(router, http.MethodGet, "/v1/admin/analytics", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = performRequest(router, http.MethodGet, "/v1/admin/analytics", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerCreateSearchRevoke(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	fp := machine(t, "A")

	w := performRequest(router, http.MethodPost, "/v1/admin/licenses", testAdminKey, map[string]any{
		"license_type": "startup",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(router, http.MethodPost, "/v1/admin/licenses", testAdminKey, map[string]any{
		"machine_fingerprint": fp,
		"license_type":        "startup",
		"customer_email":      "ops@acme.io",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		License license.License `json:"license"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, feature.TierStartup, created.License.LicenseType)

	w = performRequest(router, http.MethodPost, "/v1/admin/licenses", testAdminKey, map[string]any{
		"machine_fingerprint": fp,
		"license_type":        "startup",
	})
	require.Equal(t, http.StatusConflict, w.Code)

	w = performRequest(router, http.MethodGet, "/v1/admin/licenses?search=acme&status=active", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var found SearchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
	require.Equal(t, 1, found.Count)

	w = performRequest(router, http.MethodPost, "/v1/admin/licenses/revoke", testAdminKey, map[string]any{
		"machine_fingerprint": fp,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(router, http.MethodGet, "/v1/admin/licenses/"+created.License.ID+"/audit", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Entries []struct {
			Action string `json:"action"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	require.Len(t, audit.Entries, 2)
}

func TestHandlerCustomers(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w := performRequest(router, http.MethodPost, "/v1/admin/customers", testAdminKey, map[string]any{
		"customer_name": "No Email",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(router, http.MethodPost, "/v1/admin/customers", testAdminKey, map[string]any{
		"customer_email": "Ops@Acme.io",
		"organization":   "Acme",
	})
	require.Equal(t, http.StatusOK, w.Code)

	_, err := f.svc.CreateLicense(t.Context(), CreateLicenseRequest{
		MachineFingerprint: machine(t, "A"),
		LicenseType:        "enterprise",
		CustomerEmail:      "ops@acme.io",
		ExpiresAt:          ptr(time.Now().AddDate(0, 1, 0)),
	})
	require.NoError(t, err)

	w = performRequest(router, http.MethodGet, "/v1/admin/customers?search=acme", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Customers      []CustomerSummary `json:"customers"`
		TotalCustomers int               `json:"total_customers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.TotalCustomers)
	require.Equal(t, "ops@acme.io", list.Customers[0].Email)
	require.Equal(t, 1, list.Customers[0].ActiveLicenses)

	w = performRequest(router, http.MethodDelete, "/v1/admin/customers", testAdminKey, map[string]any{
		"customer_email": "ops@acme.io",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var revoked map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &revoked))
	require.EqualValues(t, 1, revoked["revoked_machines"])

	w = performRequest(router, http.MethodDelete, "/v1/admin/customers", testAdminKey, map[string]any{
		"customer_email": "ghost@acme.io",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func ptr[T any](v T) *T {
	return &v
}
