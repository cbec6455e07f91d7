package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tg_group_market_bot/internal/domain"
)

type settingsRequest struct {
	MinGroupAgeDays      int    `json:"min_group_age_days" validate:"min=0"`
	RequiredChannel      string `json:"required_channel" validate:"max=128"`
	UsedMessageThreshold int    `json:"used_message_threshold" validate:"min=1"`
	AgePricingFallback   bool   `json:"age_pricing_fallback"`
}

func (p *settingsRequest) Bind(*http.Request) error {
	return validateStruct(p)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Stats.Snapshot(r.Context())
	if err != nil {
		s.serviceError(w, r, "stats", err)
		return
	}
	ok(w, r, snapshot)
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := pageSize(r)
	if err != nil {
		s.serviceError(w, r, "list_activity", err)
		return
	}

	entries, err := s.deps.Activity.List(r.Context(), limit)
	if err != nil {
		s.serviceError(w, r, "list_activity", err)
		return
	}
	ok(w, r, entries)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Settings.Get(r.Context())
	if err != nil {
		s.serviceError(w, r, "get_settings", err)
		return
	}
	ok(w, r, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := bind(r, &req); err != nil {
		s.serviceError(w, r, "put_settings", err)
		return
	}

	settings, err := s.deps.Settings.Put(r.Context(), domain.BotSettings{
		MinGroupAgeDays:      req.MinGroupAgeDays,
		RequiredChannel:      req.RequiredChannel,
		UsedMessageThreshold: req.UsedMessageThreshold,
		AgePricingFallback:   req.AgePricingFallback,
	})
	if err != nil {
		s.serviceError(w, r, "put_settings", err)
		return
	}
	s.logger.WithField("event", "settings_updated").Info("bot settings updated")
	ok(w, r, settings)
}

// listSessions returns status only; credential fields are never serialized.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		s.serviceError(w, r, "list_sessions", err)
		return
	}
	ok(w, r, sessions)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if !domain.ValidIdentity(identity) {
		s.serviceError(w, r, "delete_session", invalid("unknown session identity %q", identity))
		return
	}

	if err := s.deps.Sessions.Delete(r.Context(), identity); err != nil {
		s.serviceError(w, r, "delete_session", err)
		return
	}
	s.logger.WithField("event", "session_deleted").WithField("identity", identity).Info("userbot session deleted")
	ok(w, r, map[string]string{"identity": identity})
}
