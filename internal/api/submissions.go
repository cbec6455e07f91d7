package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/lifecycle"
)

// submissionPatchRequest carries one admin override. Exactly one field is set.
type submissionPatchRequest struct {
	VerificationStatus   *domain.VerificationStatus `json:"verification_status" validate:"omitempty,oneof=pending approved rejected"`
	Reason               string                     `json:"reason" validate:"max=500"`
	OwnershipTransferred *bool                      `json:"ownership_transferred"`
	PaymentAmount        *decimal.Decimal           `json:"payment_amount"`
}

func (p *submissionPatchRequest) Bind(*http.Request) error {
	if err := validateStruct(p); err != nil {
		return err
	}

	set := 0
	if p.VerificationStatus != nil {
		set++
	}
	if p.OwnershipTransferred != nil {
		set++
	}
	if p.PaymentAmount != nil {
		set++
	}
	if set != 1 {
		return invalid("exactly one of verification_status, ownership_transferred, payment_amount is required")
	}
	return nil
}

func (s *Server) listSubmissions(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "user_id", 0)
	if err != nil {
		s.serviceError(w, r, "list_submissions", err)
		return
	}
	limit, err := pageSize(r)
	if err != nil {
		s.serviceError(w, r, "list_submissions", err)
		return
	}

	status := domain.SubmissionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.serviceError(w, r, "list_submissions", invalid("unknown status %q", status))
		return
	}

	subs, err := s.deps.Submissions.List(r.Context(), domain.SubmissionFilter{
		UserID: userID,
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		s.serviceError(w, r, "list_submissions", err)
		return
	}
	ok(w, r, subs)
}

func (s *Server) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Submissions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, r, "get_submission", err)
		return
	}
	ok(w, r, sub)
}

func (s *Server) patchSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req submissionPatchRequest
	if err := bind(r, &req); err != nil {
		s.serviceError(w, r, "patch_submission", err)
		return
	}

	var (
		outcome lifecycle.Outcome
		err     error
	)
	switch {
	case req.VerificationStatus != nil:
		outcome, err = s.deps.Lifecycle.SetVerification(r.Context(), id, *req.VerificationStatus, req.Reason)
	case req.OwnershipTransferred != nil:
		outcome, err = s.deps.Lifecycle.SetOwnershipTransferred(r.Context(), id, *req.OwnershipTransferred)
	default:
		outcome, err = s.deps.Lifecycle.InjectPayment(r.Context(), id, *req.PaymentAmount)
	}
	s.writeOutcome(w, r, "patch_submission", outcome, err)
}

func (s *Server) retrySubmission(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.deps.Lifecycle.Retry(r.Context(), chi.URLParam(r, "id"), lifecycle.Actor{Admin: true})
	s.writeOutcome(w, r, "retry_submission", outcome, err)
}

func (s *Server) deleteSubmission(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.deps.Lifecycle.Delete(r.Context(), chi.URLParam(r, "id"), lifecycle.Actor{Admin: true})
	s.writeOutcome(w, r, "delete_submission", outcome, err)
}

// writeOutcome renders a lifecycle outcome. Refused transitions are a 409 so
// clients can tell them apart from applied ones.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, op string, outcome lifecycle.Outcome, err error) {
	if err != nil {
		s.serviceError(w, r, op, err)
		return
	}

	switch outcome.Kind {
	case lifecycle.KindBusy, lifecycle.KindNotAllowed, lifecycle.KindAlreadyPaid, lifecycle.KindPriceUnavailable,
		lifecycle.KindNotOwner, lifecycle.KindOwnershipError:
		fail(w, r, http.StatusConflict, outcome.Message)
	default:
		ok(w, r, outcome)
	}
}
