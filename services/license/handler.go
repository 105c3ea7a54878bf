package license

import (
	"net/http"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/fingerprint"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	verifier *Verifier
	deriver  *fingerprint.Deriver
}

type HandlerParams struct {
	fx.In
	Verifier *Verifier
	Deriver  *fingerprint.Deriver
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		verifier: p.Verifier,
		deriver:  p.Deriver,
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/machine-fingerprint", h.MachineFingerprint)
	rg.POST("/licenses/verify", h.Verify)
}

type fingerprintResponse struct {
	Success            bool   `json:"success"`
	MachineFingerprint string `json:"machine_fingerprint"`
	PaymentURL         string `json:"payment_url"`
	Message            string `json:"message"`
}

// MachineFingerprint POST /v1/machine-fingerprint
func (h *Handler) MachineFingerprint(c *gin.Context) {
	var hw fingerprint.HardwareInfo
	if err := c.ShouldBindJSON(&hw); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	fp, err := h.deriver.Derive(&hw)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, fingerprintResponse{
		Success:            true,
		MachineFingerprint: fp,
		PaymentURL:         h.verifier.PurchaseURL(fp),
		Message:            "Machine fingerprint generated",
	})
}

// Verify POST /v1/licenses/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res := h.verifier.Verify(c.Request.Context(), req)
	c.JSON(verifyHTTPStatus(res), res)
}

func verifyHTTPStatus(res *VerificationResult) int {
	switch {
	case res.Status == VerifyError:
		return http.StatusServiceUnavailable
	case res.Action == ActionHardwareCheckFailed:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}
