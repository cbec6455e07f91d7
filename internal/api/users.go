package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/logging"
)

type userPatchRequest struct {
	IsAdmin         *bool `json:"is_admin"`
	ChannelVerified *bool `json:"channel_verified"`
}

func (p *userPatchRequest) Bind(*http.Request) error {
	if p.IsAdmin == nil && p.ChannelVerified == nil {
		return invalid("nothing to update")
	}
	return nil
}

type balanceRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

func (b *balanceRequest) Bind(*http.Request) error {
	if b.Delta.IsZero() {
		return invalid("delta must not be zero")
	}
	return nil
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := pageSize(r)
	if err != nil {
		s.serviceError(w, r, "list_users", err)
		return
	}
	offset, err := queryInt64(r, "offset", 0)
	if err != nil {
		s.serviceError(w, r, "list_users", err)
		return
	}

	users, err := s.deps.Users.List(r.Context(), limit, offset)
	if err != nil {
		s.serviceError(w, r, "list_users", err)
		return
	}
	ok(w, r, users)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		s.serviceError(w, r, "get_user", err)
		return
	}

	user, err := s.deps.Users.GetByID(r.Context(), id)
	if err != nil {
		s.serviceError(w, r, "get_user", err)
		return
	}
	ok(w, r, user)
}

func (s *Server) patchUser(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		s.serviceError(w, r, "patch_user", err)
		return
	}

	var req userPatchRequest
	if err := bind(r, &req); err != nil {
		s.serviceError(w, r, "patch_user", err)
		return
	}

	user, err := s.deps.Users.Update(r.Context(), id, domain.UserPatch{
		IsAdmin:         req.IsAdmin,
		ChannelVerified: req.ChannelVerified,
	})
	if err != nil {
		s.serviceError(w, r, "patch_user", err)
		return
	}
	ok(w, r, user)
}

// adjustBalance applies a signed delta. Debits never take a balance below zero.
func (s *Server) adjustBalance(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		s.serviceError(w, r, "adjust_balance", err)
		return
	}

	var req balanceRequest
	if err := bind(r, &req); err != nil {
		s.serviceError(w, r, "adjust_balance", err)
		return
	}

	user, err := s.deps.Users.AddBalance(r.Context(), id, req.Delta)
	if err != nil {
		s.serviceError(w, r, "adjust_balance", err)
		return
	}

	s.logger.WithFields(logging.Fields{
		"event":   "balance_adjusted",
		"user_id": id,
		"delta":   req.Delta.String(),
	}).Info("admin adjusted user balance")
	ok(w, r, user)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		s.serviceError(w, r, "list_notifications", err)
		return
	}
	limit, err := pageSize(r)
	if err != nil {
		s.serviceError(w, r, "list_notifications", err)
		return
	}

	notifications, err := s.deps.Notifications.ListByUser(r.Context(), id, limit)
	if err != nil {
		s.serviceError(w, r, "list_notifications", err)
		return
	}
	ok(w, r, notifications)
}
