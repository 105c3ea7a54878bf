package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"licensing-controlplane/pkg/db/option"
	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/feature"
	"licensing-controlplane/services/license"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var Module = fx.Module("admin.service",
	fx.Provide(NewService),
)

// Service backs the operator endpoints. Writes go through the lifecycle
// manager; reads query the store directly.
type Service struct {
	db       *gorm.DB
	licenses *license.Service
	flight   singleflight.Group
	clock    func() time.Time
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	License *license.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		licenses: p.License,
		clock:    time.Now,
	}
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func loggerFrom(ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

type SearchParams struct {
	Search string `form:"search"`
	Type   string `form:"type"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

type CustomerView struct {
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// LicenseView is a license as an operator sees it: effective status and
// the linked customer, if any.
type LicenseView struct {
	*license.License
	Status   license.Status `json:"status"`
	Customer *CustomerView  `json:"customer,omitempty"`
}

type SearchResult struct {
	Licenses []LicenseView `json:"licenses"`
	Count    int           `json:"count"`
}

func (s *Service) Search(ctx context.Context, p SearchParams) (*SearchResult, error) {
	now := s.now()

	opts := []option.QueryOption{}
	if term := strings.ToLower(strings.TrimSpace(p.Search)); term != "" {
		like := containsPattern(term)
		opts = append(opts, option.WithWhere(
			"(LOWER(licenses.machine_fingerprint) LIKE ? ESCAPE '!' OR LOWER(licenses.license_key) LIKE ? ESCAPE '!' OR LOWER(customers.name) LIKE ? ESCAPE '!' OR LOWER(customers.email) LIKE ? ESCAPE '!' OR LOWER(customers.organization) LIKE ? ESCAPE '!')",
			like, like, like, like, like,
		))
	}

	if p.Type != "" {
		tier, ok := feature.ParseTier(p.Type)
		if !ok {
			return nil, license.ErrInvalidLicenseType
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "licenses.license_type", Operator: option.EQ, Value: tier}))
	}

	statusOpt, err := statusFilter(license.Status(p.Status), now)
	if err != nil {
		return nil, err
	}
	if statusOpt != nil {
		opts = append(opts, statusOpt)
	}

	opts = append(opts,
		option.WithOrder("licenses.created_at", true),
		option.WithOrder("licenses.id", true),
		option.ApplyPagination(pagination.Pagination{Limit: p.Limit}.Normalize()),
	)

	tx := s.db.WithContext(ctx).
		Model(&license.License{}).
		Select("licenses.*").
		Joins("LEFT JOIN customers ON customers.id = licenses.customer_id")
	for _, opt := range opts {
		tx = opt(tx)
	}

	var rows []*license.License
	if err := tx.Find(&rows).Error; err != nil {
		loggerFrom(ctx).Error("license search failed", zap.Error(err))
		return nil, errutil.Internal("failed to search licenses", err)
	}

	customers, err := s.customersFor(ctx, rows)
	if err != nil {
		return nil, errutil.Internal("failed to search licenses", err)
	}

	out := make([]LicenseView, 0, len(rows))
	for _, l := range rows {
		v := LicenseView{License: l, Status: l.EffectiveStatus(now)}
		if l.CustomerID != nil {
			if c, ok := customers[*l.CustomerID]; ok {
				v.Customer = &CustomerView{Email: c.Email, Name: c.Name, Organization: c.Organization}
			}
		}
		out = append(out, v)
	}

	return &SearchResult{Licenses: out, Count: len(out)}, nil
}

// statusFilter matches on effective status, so an active record past its
// expiry is found under expired.
func statusFilter(status license.Status, now time.Time) (option.QueryOption, error) {
	switch status {
	case "":
		return nil, nil
	case license.StatusExpired:
		return option.WithWhere("(licenses.status = ? OR (licenses.status = ? AND licenses.expires_at < ?))",
			license.StatusExpired, license.StatusActive, now), nil
	case license.StatusActive:
		return option.WithWhere("licenses.status = ? AND licenses.expires_at >= ?", license.StatusActive, now), nil
	case license.StatusCancelled, license.StatusSuspended:
		return option.WithWhere("licenses.status = ?", status), nil
	default:
		return nil, errutil.ValidationFailed("invalid status filter", nil)
	}
}

func (s *Service) customersFor(ctx context.Context, rows []*license.License) (map[string]*license.Customer, error) {
	ids := make([]string, 0, len(rows))
	for _, l := range rows {
		if l.CustomerID != nil {
			ids = append(ids, *l.CustomerID)
		}
	}
	out := make(map[string]*license.Customer, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var customers []*license.Customer
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&customers).Error; err != nil {
		return nil, err
	}
	for _, c := range customers {
		out[c.ID] = c
	}
	return out, nil
}

type Analytics struct {
	TotalLicenses          int64                  `json:"total_licenses"`
	ActiveLicenses         int64                  `json:"active_licenses"`
	ExpiredLicenses        int64                  `json:"expired_licenses"`
	CancelledLicenses      int64                  `json:"cancelled_licenses"`
	SuspendedLicenses      int64                  `json:"suspended_licenses"`
	ByType                 map[feature.Tier]int64 `json:"by_type"`
	TotalRevenue           decimal.Decimal        `json:"total_revenue"`
	EstimatedAnnualRevenue decimal.Decimal        `json:"estimated_annual_revenue"`
	GeneratedAt            time.Time              `json:"generated_at"`
}

type tierCount struct {
	LicenseType feature.Tier
	N           int64
}

// Analytics aggregates license counts and revenue. Concurrent callers share
// one computation.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	v, err, _ := s.flight.Do("analytics", func() (any, error) {
		return s.analytics(ctx)
	})
	if err != nil {
		loggerFrom(ctx).Error("analytics failed", zap.Error(err))
		return nil, errutil.Internal("failed to compute analytics", err)
	}
	return v.(*Analytics), nil
}

func (s *Service) analytics(ctx context.Context) (*Analytics, error) {
	now := s.now()
	out := &Analytics{
		ByType:      make(map[feature.Tier]int64, len(feature.Tiers())),
		GeneratedAt: now,
	}

	var (
		byType       []tierCount
		activeByType []tierCount
		revenue      decimal.NullDecimal
	)

	model := func(ctx context.Context) *gorm.DB {
		return s.db.WithContext(ctx).Model(&license.License{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return model(gctx).Count(&out.TotalLicenses).Error
	})
	g.Go(func() error {
		return model(gctx).Where("status = ? AND expires_at >= ?", license.StatusActive, now).Count(&out.ActiveLicenses).Error
	})
	g.Go(func() error {
		return model(gctx).Where("status = ? OR (status = ? AND expires_at < ?)", license.StatusExpired, license.StatusActive, now).Count(&out.ExpiredLicenses).Error
	})
	g.Go(func() error {
		return model(gctx).Where("status = ?", license.StatusCancelled).Count(&out.CancelledLicenses).Error
	})
	g.Go(func() error {
		return model(gctx).Where("status = ?", license.StatusSuspended).Count(&out.SuspendedLicenses).Error
	})
	g.Go(func() error {
		return model(gctx).Select("license_type, COUNT(*) AS n").Group("license_type").Scan(&byType).Error
	})
	g.Go(func() error {
		return model(gctx).Select("license_type, COUNT(*) AS n").
			Where("status = ? AND expires_at >= ?", license.StatusActive, now).
			Group("license_type").Scan(&activeByType).Error
	})
	g.Go(func() error {
		return model(gctx).Select("SUM(amount_paid)").Row().Scan(&revenue)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, t := range feature.Tiers() {
		out.ByType[t] = 0
	}
	for _, c := range byType {
		out.ByType[c.LicenseType] = c.N
	}

	out.TotalRevenue = decimal.Zero
	if revenue.Valid {
		out.TotalRevenue = revenue.Decimal
	}

	out.EstimatedAnnualRevenue = decimal.Zero
	for _, c := range activeByType {
		if plan, ok := feature.PlanFor(c.LicenseType); ok {
			out.EstimatedAnnualRevenue = out.EstimatedAnnualRevenue.Add(plan.AnnualPrice().Mul(decimal.NewFromInt(c.N)))
		}
	}

	return out, nil
}

type CreateLicenseRequest struct {
	MachineFingerprint string     `json:"machine_fingerprint" binding:"required"`
	LicenseType        string     `json:"license_type" binding:"required"`
	ExpiresAt          *time.Time `json:"expires_at"`
	CustomerEmail      string     `json:"customer_email"`
	CustomerName       string     `json:"customer_name"`
	Organization       string     `json:"organization"`
	Notes              string     `json:"notes"`
}

// CreateLicense issues a manual license. Without an explicit expiry the
// tier's billing period applies.
func (s *Service) CreateLicense(ctx context.Context, req CreateLicenseRequest) (*license.License, error) {
	tier, ok := feature.ParseTier(req.LicenseType)
	if !ok {
		return nil, license.ErrInvalidLicenseType
	}

	expiresAt := feature.Extend(tier, s.now())
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	params := license.CreateParams{
		Fingerprint: req.MachineFingerprint,
		Tier:        tier,
		ExpiresAt:   expiresAt,
		Source:      license.SourceAdmin,
	}
	if req.CustomerEmail != "" {
		params.Customer = &license.CustomerInfo{
			Email:        req.CustomerEmail,
			Name:         req.CustomerName,
			Organization: req.Organization,
			Notes:        req.Notes,
		}
	}
	return s.licenses.Create(ctx, params)
}

func (s *Service) RevokeLicense(ctx context.Context, machineFingerprint string) (*license.License, error) {
	return s.licenses.Revoke(ctx, machineFingerprint)
}

type CustomerSummary struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	Name            string          `json:"name,omitempty"`
	Organization    string          `json:"organization,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	TotalLicenses   int             `json:"total_licenses"`
	ActiveLicenses  int             `json:"active_licenses"`
	ExpiredLicenses int             `json:"expired_licenses"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	FirstLicenseAt  *time.Time      `json:"first_license_date,omitempty"`
	LastActivity    *time.Time      `json:"last_activity,omitempty"`
}

// ListCustomers returns customers with their license totals. Revenue is
// estimated from the price table.
func (s *Service) ListCustomers(ctx context.Context, search string, limit int) ([]*CustomerSummary, error) {
	now := s.now()

	tx := s.db.WithContext(ctx).Model(&license.Customer{})
	if term := strings.ToLower(strings.TrimSpace(search)); term != "" {
		like := containsPattern(term)
		tx = tx.Where("(LOWER(email) LIKE ? ESCAPE '!' OR LOWER(name) LIKE ? ESCAPE '!' OR LOWER(organization) LIKE ? ESCAPE '!')", like, like, like)
	}
	tx = option.WithOrder("created_at", true)(tx)
	tx = option.ApplyPagination(pagination.Pagination{Limit: limit}.Normalize())(tx)

	var customers []*license.Customer
	if err := tx.Find(&customers).Error; err != nil {
		return nil, errutil.Internal("failed to list customers", err)
	}
	if len(customers) == 0 {
		return []*CustomerSummary{}, nil
	}

	ids := make([]string, 0, len(customers))
	for _, c := range customers {
		ids = append(ids, c.ID)
	}
	var licenses []*license.License
	if err := s.db.WithContext(ctx).Where("customer_id IN ?", ids).Find(&licenses).Error; err != nil {
		return nil, errutil.Internal("failed to list customers", err)
	}

	byCustomer := make(map[string][]*license.License, len(customers))
	for _, l := range licenses {
		byCustomer[*l.CustomerID] = append(byCustomer[*l.CustomerID], l)
	}

	out := make([]*CustomerSummary, 0, len(customers))
	for _, c := range customers {
		sum := &CustomerSummary{
			ID:           c.ID,
			Email:        c.Email,
			Name:         c.Name,
			Organization: c.Organization,
			Notes:        c.Notes,
			TotalRevenue: decimal.Zero,
		}
		for _, l := range byCustomer[c.ID] {
			sum.TotalLicenses++
			if l.Valid(now) {
				sum.ActiveLicenses++
			} else {
				sum.ExpiredLicenses++
			}
			if plan, ok := feature.PlanFor(l.LicenseType); ok {
				sum.TotalRevenue = sum.TotalRevenue.Add(plan.AnnualPrice())
			}
			created := l.CreatedAt
			if sum.FirstLicenseAt == nil || created.Before(*sum.FirstLicenseAt) {
				sum.FirstLicenseAt = &created
			}
			if l.LastVerifiedAt != nil && (sum.LastActivity == nil || l.LastVerifiedAt.After(*sum.LastActivity)) {
				last := *l.LastVerifiedAt
				sum.LastActivity = &last
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) UpsertCustomer(ctx context.Context, info license.CustomerInfo) (*license.Customer, error) {
	return s.licenses.UpsertCustomer(ctx, info)
}

// RevokeCustomer cancels every license linked to the customer and returns
// how many machines were revoked.
func (s *Service) RevokeCustomer(ctx context.Context, email string) (int, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, errutil.ValidationFailed("customer email is required", nil)
	}

	var c license.Customer
	if err := s.db.WithContext(ctx).Where("email = ?", email).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errutil.NotFound("customer not found", nil)
		}
		return 0, errutil.Internal("failed to revoke customer", err)
	}

	licenses, err := s.licenses.Repository().FindByCustomer(ctx, c.ID)
	if err != nil {
		return 0, errutil.Internal("failed to revoke customer", err)
	}

	seen := make(map[string]struct{}, len(licenses))
	for _, l := range licenses {
		if _, ok := seen[l.MachineFingerprint]; ok {
			continue
		}
		seen[l.MachineFingerprint] = struct{}{}
		if _, err := s.licenses.Revoke(ctx, l.MachineFingerprint); err != nil {
			return len(seen) - 1, err
		}
	}

	loggerFrom(ctx).Info("customer licenses revoked", zap.String("customer_id", c.ID), zap.Int("machines", len(seen)))
	return len(seen), nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// containsPattern builds a LIKE pattern matching term literally, escaped
// with '!'.
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}
