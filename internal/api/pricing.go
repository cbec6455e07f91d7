package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/pricing"
)

type pricingRuleRequest struct {
	StartYear     int             `json:"start_year" validate:"required,min=1970,max=9999"`
	EndYear       *int            `json:"end_year" validate:"omitempty,min=1970,max=9999"`
	Month         *int            `json:"month" validate:"omitempty,min=1,max=12"`
	Category      domain.Category `json:"category" validate:"required,oneof=used unused"`
	PricePerGroup decimal.Decimal `json:"price_per_group"`
	IsActive      *bool           `json:"is_active"`
}

func (p *pricingRuleRequest) Bind(*http.Request) error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if err := p.rule("").Validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (p *pricingRuleRequest) rule(id string) domain.PricingRule {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return domain.PricingRule{
		ID:            id,
		StartYear:     p.StartYear,
		EndYear:       p.EndYear,
		Month:         p.Month,
		Category:      p.Category,
		PricePerGroup: p.PricePerGroup,
		IsActive:      active,
	}
}

type agePricingRequest struct {
	MinAgeDays    int             `json:"min_age_days" validate:"min=0"`
	MaxAgeDays    *int            `json:"max_age_days" validate:"omitempty,min=0"`
	PricePerGroup decimal.Decimal `json:"price_per_group"`
	IsActive      *bool           `json:"is_active"`
}

func (p *agePricingRequest) Bind(*http.Request) error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if err := p.rule().Validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (p *agePricingRequest) rule() domain.AgePricingRule {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return domain.AgePricingRule{
		MinAgeDays:    p.MinAgeDays,
		MaxAgeDays:    p.MaxAgeDays,
		PricePerGroup: p.PricePerGroup,
		IsActive:      active,
	}
}

func (s *Server) listPricing(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.PricingRules.List(r.Context())
	if err != nil {
		s.serviceError(w, r, "list_pricing", err)
		return
	}
	ok(w, r, rules)
}

func (s *Server) createPricing(w http.ResponseWriter, r *http.Request) {
	var req pricingRuleRequest
	if err := bind(r, &req); err != nil {
		s.serviceError(w, r, "create_pricing", err)
		return
	}

	rule, err := s.deps.PricingRules.Create(r.Context(), req.rule(""))
	if err != nil {
		s.serviceError(w, r, "create_pricing", err)
		return
	}
	s.logger.WithField("event", "pricing_rule_created").WithField("rule_id", rule.ID).Info("pricing rule created")
	ok(w, r, rule)
}

func (s *Server) updatePricing(w http.ResponseWriter, r *http.Request) {
	var req pricingRuleRequest
	if err := bind(r, &req); err != nil {
		s.serviceError(w, r, "update_pricing", err)
		return
	}

	rule, err := s.deps.PricingRules.Update(r.Context(), req.rule(chi.URLParam(r, "id")))
	if err != nil {
		s.serviceError(w, r, "update_pricing", err)
		return
	}
	ok(w, r, rule)
}

func (s *Server) deletePricing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.PricingRules.Delete(r.Context(), id); err != nil {
		s.serviceError(w, r, "delete_pricing", err)
		return
	}
	ok(w, r, map[string]string{"id": id})
}

// resolvePricing answers GET /api/pricing/resolve?year=&month=&category=.
func (s *Server) resolvePricing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, err := pricing.ParseQuery(q.Get("year"), q.Get("month"), q.Get("category"))
	if err != nil {
		s.serviceError(w, r, "resolve_pricing", err)
		return
	}

	quote, err := s.deps.Pricer.Quote(r.Context(), query)
	if err != nil {
		s.serviceError(w, r, "resolve_pricing", err)
		return
	}
	ok(w, r, quote)
}

func (s *Server) listAgePricing(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.AgeRules.List(r.Context())
	if err != nil {
		s.serviceError(w, r, "list_age_pricing", err)
		return
	}
	ok(w, r, rules)
}

func (s *Server) createAgePricing(w http.ResponseWriter, r *http.Request) {
	var req agePricingRequest
	if err := bind(r, &req); err != nil {
		s.serviceError(w, r, "create_age_pricing", err)
		return
	}

	rule, err := s.deps.AgeRules.Create(r.Context(), req.rule())
	if err != nil {
		s.serviceError(w, r, "create_age_pricing", err)
		return
	}
	ok(w, r, rule)
}

func (s *Server) deleteAgePricing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.AgeRules.Delete(r.Context(), id); err != nil {
		s.serviceError(w, r, "delete_age_pricing", err)
		return
	}
	ok(w, r, map[string]string{"id": id})
}
