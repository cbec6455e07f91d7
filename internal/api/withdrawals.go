package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/withdrawal"
)

type resolveRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (p *resolveRequest) Bind(*http.Request) error {
	return validateStruct(p)
}

func (s *Server) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := domain.WithdrawalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.WithdrawalPending, domain.WithdrawalApproved, domain.WithdrawalRejected:
	default:
		s.serviceError(w, r, "list_withdrawals", invalid("unknown status %q", status))
		return
	}

	list, err := s.deps.Withdrawals.List(r.Context(), status)
	if err != nil {
		s.serviceError(w, r, "list_withdrawals", err)
		return
	}
	ok(w, r, list)
}

func (s *Server) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.resolveWithdrawal(w, r, "approve_withdrawal", s.deps.Payouts.Approve)
}

func (s *Server) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.resolveWithdrawal(w, r, "reject_withdrawal", s.deps.Payouts.Reject)
}

func (s *Server) resolveWithdrawal(w http.ResponseWriter, r *http.Request, op string, resolve func(ctx context.Context, id, note string) (withdrawal.Outcome, error)) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := bind(r, &req); err != nil {
			s.serviceError(w, r, op, err)
			return
		}
	}

	outcome, err := resolve(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		s.serviceError(w, r, op, err)
		return
	}
	if outcome.Kind == withdrawal.KindAlreadyResolved {
		fail(w, r, http.StatusConflict, outcome.Message)
		return
	}
	ok(w, r, outcome)
}
