package trade

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/lifecycle"
	"github.com/chartbet/market-engine/internal/model"
	"github.com/chartbet/market-engine/internal/store"
)

// Header names set by the authentication gateway in front of the service.
const (
	HeaderUserID     = "X-User-ID"
	HeaderAdminToken = "X-Admin-Token"
)

// Service exposes the engine and the resolver over HTTP.
type Service struct {
	engine     *Engine
	resolver   *lifecycle.Resolver
	adminToken string
	logger     *slog.Logger
}

// NewService creates the HTTP service. Lifecycle routes are refused unless
// adminToken is non-empty.
func NewService(engine *Engine, resolver *lifecycle.Resolver, adminToken string, logger *slog.Logger) *Service {
	return &Service{
		engine:     engine,
		resolver:   resolver,
		adminToken: adminToken,
		logger:     logger.With(slog.String("component", "http")),
	}
}

// Routes registers the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/markets", func(r chi.Router) {
		r.Get("/", s.ListMarkets)
		r.Post("/", s.CreateMarket)
		r.Route("/{marketID}", func(r chi.Router) {
			r.Get("/", s.GetMarket)
			r.Get("/trades", s.ListMarketTrades)
			r.Post("/trades", s.ExecuteTrade)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/resolve", s.ResolveMarket)
				r.Post("/close", s.CloseMarket)
				r.Post("/cancel", s.CancelMarket)
			})
		})
	})
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/positions", s.ListPositions)
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/trades", s.ListUserTrades)
	})
}

// --- Request types ---

// TradeBody is the JSON body for POST /markets/{marketID}/trades.
type TradeBody struct {
	OutcomeID string          `json:"outcome_id"`
	Type      model.TradeType `json:"type"`
	Shares    decimal.Decimal `json:"shares"`
}

// ResolveBody is the JSON body for POST /markets/{marketID}/resolve.
type ResolveBody struct {
	WinningOutcomeID string `json:"winning_outcome_id"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	m, err := s.engine.CreateMarket(r.Context(), r.Header.Get(HeaderUserID), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets
// Optional filters: ?status=, ?category=, ?entity=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.MarketFilter{
		Status:          model.MarketStatus(q.Get("status")),
		Category:        model.Category(q.Get("category")),
		RelatedEntityID: q.Get("entity"),
	}
	markets, err := s.engine.ListMarkets(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMarketTrades handles GET /api/v1/markets/{marketID}/trades
// Returns the completed trades that make up the market's price history.
func (s *Service) ListMarketTrades(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.engine.GetMarket(r.Context(), marketID); err != nil {
		s.writeError(w, r, err)
		return
	}
	trades, err := s.engine.Trades(r.Context(), model.TradeFilter{MarketID: marketID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Trading ---

// ExecuteTrade handles POST /api/v1/markets/{marketID}/trades
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var body TradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	req := TradeRequest{
		MarketID:  chi.URLParam(r, "marketID"),
		UserID:    r.Header.Get(HeaderUserID),
		OutcomeID: body.OutcomeID,
		Type:      body.Type,
		Shares:    body.Shares,
	}

	result, err := s.engine.ExecuteTrade(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Lifecycle (admin) ---

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var body ResolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WinningOutcomeID == "" {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "winning_outcome_id is required")
		return
	}
	res, err := s.resolver.Resolve(r.Context(), chi.URLParam(r, "marketID"), body.WinningOutcomeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.resolver.Close(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// CancelMarket handles POST /api/v1/markets/{marketID}/cancel
func (s *Service) CancelMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.resolver.Cancel(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(HeaderAdminToken)
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeMessage(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Users ---

// ListPositions handles GET /api/v1/users/{userID}/positions
// Optional ?market= narrows to one market.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	filter := model.TradeFilter{
		UserID:   chi.URLParam(r, "userID"),
		MarketID: r.URL.Query().Get("market"),
	}
	positions, err := s.engine.Positions(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.engine.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// ListUserTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) ListUserTrades(w http.ResponseWriter, r *http.Request) {
	filter := model.TradeFilter{
		UserID:   chi.URLParam(r, "userID"),
		MarketID: r.URL.Query().Get("market"),
	}
	trades, err := s.engine.Trades(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Responses ---

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps err to a status by its kind. Internal errors are logged
// and their message withheld from the client.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch model.KindOf(err) {
	case model.KindValidation:
		status = http.StatusBadRequest
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindStateConflict:
		status = http.StatusConflict
	case model.KindConcurrencyConflict:
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		msg = "internal error"
	}
	writeMessage(w, status, model.CodeOf(err), msg)
}

func writeMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
