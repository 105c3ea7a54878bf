package admin

import (
	"net/http"

	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/license"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	service *Service
	audit   *audit.Service
}

type HandlerParams struct {
	fx.In
	Service *Service
	Audit   *audit.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		service: p.Service,
		audit:   p.Audit,
	}
}

// RegisterRoutes mounts on a group that already enforces the admin key.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/licenses", h.SearchLicenses)
	rg.POST("/licenses", h.CreateLicense)
	rg.POST("/licenses/revoke", h.RevokeLicense)
	rg.GET("/licenses/:id/audit", h.LicenseAudit)
	rg.GET("/analytics", h.Analytics)
	rg.GET("/customers", h.ListCustomers)
	rg.POST("/customers", h.UpsertCustomer)
	rg.DELETE("/customers", h.RevokeCustomer)
}

// SearchLicenses GET /v1/admin/licenses
func (h *Handler) SearchLicenses(c *gin.Context) {
	var p SearchParams
	if err := c.ShouldBindQuery(&p); err != nil {
		c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	res, err := h.service.Search(c.Request.Context(), p)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreateLicense POST /v1/admin/licenses
func (h *Handler) CreateLicense(c *gin.Context) {
	var req CreateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("machine_fingerprint and license_type are required", err))
		return
	}

	lic, err := h.service.CreateLicense(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"license": lic,
	})
}

type revokeRequest struct {
	MachineFingerprint string `json:"machine_fingerprint" binding:"required"`
}

// RevokeLicense POST /v1/admin/licenses/revoke
func (h *Handler) RevokeLicense(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("machine_fingerprint is required", err))
		return
	}

	lic, err := h.service.RevokeLicense(c.Request.Context(), req.MachineFingerprint)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"license": lic,
	})
}

// LicenseAudit GET /v1/admin/licenses/:id/audit
func (h *Handler) LicenseAudit(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	entries, err := h.audit.List(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		c.Error(errutil.Internal("failed to list audit entries", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Analytics GET /v1/admin/analytics
func (h *Handler) Analytics(c *gin.Context) {
	res, err := h.service.Analytics(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type listCustomersQuery struct {
	Search string `form:"search"`
	Limit  int    `form:"limit"`
}

// ListCustomers GET /v1/admin/customers
func (h *Handler) ListCustomers(c *gin.Context) {
	var q listCustomersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	customers, err := h.service.ListCustomers(c.Request.Context(), q.Search, q.Limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"customers":       customers,
		"total_customers": len(customers),
	})
}

type customerRequest struct {
	Email        string `json:"customer_email" binding:"required"`
	Name         string `json:"customer_name"`
	Organization string `json:"organization"`
	Notes        string `json:"notes"`
}

// UpsertCustomer POST /v1/admin/customers
func (h *Handler) UpsertCustomer(c *gin.Context) {
	var req customerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("customer_email is required", err))
		return
	}

	customer, err := h.service.UpsertCustomer(c.Request.Context(), license.CustomerInfo{
		Email:        req.Email,
		Name:         req.Name,
		Organization: req.Organization,
		Notes:        req.Notes,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"customer": customer,
	})
}

type revokeCustomerRequest struct {
	Email string `json:"customer_email" binding:"required"`
}

// RevokeCustomer DELETE /v1/admin/customers
func (h *Handler) RevokeCustomer(c *gin.Context) {
	var req revokeCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("customer_email is required", err))
		return
	}

	n, err := h.service.RevokeCustomer(c.Request.Context(), req.Email)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"revoked_machines": n,
	})
}
