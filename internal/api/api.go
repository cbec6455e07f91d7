// Package api serves the bearer-protected REST admin API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/logging"
	"tg_group_market_bot/internal/pricing"
	"tg_group_market_bot/internal/store"
	"tg_group_market_bot/internal/withdrawal"
)

const (
	requestTimeout    = 5 * time.Second
	readHeaderTimeout = 2 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// Users is the user administration surface.
type Users interface {
	List(ctx context.Context, limit, offset int64) ([]domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Update(ctx context.Context, userID int64, patch domain.UserPatch) (domain.User, error)
	AddBalance(ctx context.Context, userID int64, delta decimal.Decimal) (domain.User, error)
}

// Submissions reads stored submissions.
type Submissions interface {
	List(ctx context.Context, filter domain.SubmissionFilter) ([]domain.Submission, error)
	Get(ctx context.Context, id string) (domain.Submission, error)
}

// Lifecycle is the admin side of the submission engine.
type Lifecycle interface {
	SetVerification(ctx context.Context, id string, verdict domain.VerificationStatus, reason string) (lifecycle.Outcome, error)
	SetOwnershipTransferred(ctx context.Context, id string, transferred bool) (lifecycle.Outcome, error)
	InjectPayment(ctx context.Context, id string, amount decimal.Decimal) (lifecycle.Outcome, error)
	Retry(ctx context.Context, id string, actor lifecycle.Actor) (lifecycle.Outcome, error)
	Delete(ctx context.Context, id string, actor lifecycle.Actor) (lifecycle.Outcome, error)
}

// PricingRules manages year/month rules.
type PricingRules interface {
	List(ctx context.Context) ([]domain.PricingRule, error)
	Create(ctx context.Context, rule domain.PricingRule) (domain.PricingRule, error)
	Update(ctx context.Context, rule domain.PricingRule) (domain.PricingRule, error)
	Delete(ctx context.Context, id string) error
}

// AgeRules manages the flat age table.
type AgeRules interface {
	List(ctx context.Context) ([]domain.AgePricingRule, error)
	Create(ctx context.Context, rule domain.AgePricingRule) (domain.AgePricingRule, error)
	Delete(ctx context.Context, id string) error
}

// Pricer prices a query.
type Pricer interface {
	Quote(ctx context.Context, q pricing.Query) (pricing.Quote, error)
}

// WithdrawalLister lists payout requests.
type WithdrawalLister interface {
	List(ctx context.Context, status domain.WithdrawalStatus) ([]domain.Withdrawal, error)
}

// WithdrawalResolver approves or rejects payout requests.
type WithdrawalResolver interface {
	Approve(ctx context.Context, id, note string) (withdrawal.Outcome, error)
	Reject(ctx context.Context, id, note string) (withdrawal.Outcome, error)
}

// ActivityLister lists the audit trail.
type ActivityLister interface {
	List(ctx context.Context, limit int64) ([]domain.ActivityLog, error)
}

// NotificationLister lists a user's notifications.
type NotificationLister interface {
	ListByUser(ctx context.Context, userID int64, limit int64) ([]domain.Notification, error)
}

// Settings reads and stores the settings singleton.
type Settings interface {
	Get(ctx context.Context) (domain.BotSettings, error)
	Put(ctx context.Context, settings domain.BotSettings) (domain.BotSettings, error)
}

// Sessions lists and removes userbot sessions.
type Sessions interface {
	List(ctx context.Context) ([]domain.UserbotSession, error)
	Delete(ctx context.Context, identity string) error
}

// StatsSource returns dashboard counters.
type StatsSource interface {
	Snapshot(ctx context.Context) (store.Stats, error)
}

// Deps bundles the services behind the API.
type Deps struct {
	Users         Users
	Submissions   Submissions
	Lifecycle     Lifecycle
	PricingRules  PricingRules
	AgeRules      AgeRules
	Pricer        Pricer
	Withdrawals   WithdrawalLister
	Payouts       WithdrawalResolver
	Activity      ActivityLister
	Notifications NotificationLister
	Settings      Settings
	Sessions      Sessions
	Stats         StatsSource
}

// Server hosts the admin API.
type Server struct {
	server *http.Server
	deps   Deps
	logger *logrus.Entry
}

// NewServer builds the router and binds it to port.
func NewServer(port int, token string, deps Deps, logger *logrus.Entry) (*Server, error) {
	if token == "" {
		return nil, errors.New("admin api token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	s := &Server{deps: deps, logger: logger}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(token),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) routes(token string) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(timeout(requestTimeout))
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusNotFound, "Requested resource not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})

	router.Route("/api", func(api chi.Router) {
		api.Use(requestLogger(s.logger))
		api.Use(authenticate(token, s.logger))

		api.Get("/stats", s.stats)

		api.Route("/users", func(r chi.Router) {
			r.Get("/", s.listUsers)
			r.Get("/{id}", s.getUser)
			r.Patch("/{id}", s.patchUser)
			r.Post("/{id}/balance", s.adjustBalance)
			r.Get("/{id}/notifications", s.listNotifications)
		})

		api.Route("/submissions", func(r chi.Router) {
			r.Get("/", s.listSubmissions)
			r.Get("/{id}", s.getSubmission)
			r.Patch("/{id}", s.patchSubmission)
			r.Post("/{id}/retry", s.retrySubmission)
			r.Delete("/{id}", s.deleteSubmission)
		})

		api.Route("/pricing", func(r chi.Router) {
			r.Get("/", s.listPricing)
			r.Post("/", s.createPricing)
			r.Get("/resolve", s.resolvePricing)
			r.Get("/age", s.listAgePricing)
			r.Post("/age", s.createAgePricing)
			r.Delete("/age/{id}", s.deleteAgePricing)
			r.Put("/{id}", s.updatePricing)
			r.Delete("/{id}", s.deletePricing)
		})

		api.Route("/withdrawals", func(r chi.Router) {
			r.Get("/", s.listWithdrawals)
			r.Post("/{id}/approve", s.approveWithdrawal)
			r.Post("/{id}/reject", s.rejectWithdrawal)
		})

		api.Get("/activity", s.listActivity)
		api.Get("/settings", s.getSettings)
		api.Put("/settings", s.putSettings)
		api.Get("/sessions", s.listSessions)
		api.Delete("/sessions/{identity}", s.deleteSession)
	})

	return router
}

// ListenAndServe starts the API server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "api_listen",
		"addr":  s.server.Addr,
	}).Info("starting admin api server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin api listen: %w", err)
	}

	s.logger.WithField("event", "api_stopped").Info("admin api server stopped")
	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

// serviceError logs unexpected failures and writes the mapped status.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithFields(logging.Fields{
			"event":      "api_error",
			"op":         op,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("admin api operation failed")
	}
	fail(w, r, status, messageFor(status, err))
}
