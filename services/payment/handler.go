package payment

import (
	"io"
	"net/http"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/feature"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

const maxPayloadBytes = 1 << 20

type Handler struct {
	reconciler *Reconciler
}

type HandlerParams struct {
	fx.In
	Reconciler *Reconciler
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{reconciler: p.Reconciler}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/payment", h.Webhook)
	rg.GET("/pricing", h.Pricing)
}

// Webhook POST /v1/webhooks/payment
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.Error(errutil.BadRequest("failed to read request body", err))
		return
	}

	res, err := h.reconciler.HandleWebhook(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  res.Outcome,
	})
}

type planResponse struct {
	LicenseType    feature.Tier     `json:"license_type"`
	Name           string           `json:"name"`
	Price          decimal.Decimal  `json:"price"`
	AnnualPrice    decimal.Decimal  `json:"annual_price"`
	Currency       string           `json:"currency"`
	Interval       feature.Interval `json:"interval"`
	DurationMonths int              `json:"duration_months"`
}

// Pricing GET /v1/pricing
func (h *Handler) Pricing(c *gin.Context) {
	plans := feature.Plans()
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			LicenseType:    p.Tier,
			Name:           p.DisplayName,
			Price:          p.Price(),
			AnnualPrice:    p.AnnualPrice(),
			Currency:       "usd",
			Interval:       p.Interval,
			DurationMonths: feature.PeriodMonths(p.Tier),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"plans": out,
		"note":  "All license tiers include identical features",
	})
}
