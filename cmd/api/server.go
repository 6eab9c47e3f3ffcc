package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"upsellflow/auth"
	"upsellflow/changeset"
	"upsellflow/offer"
)

const maxBodyBytes = 64 << 10

type sessionVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type offerLister interface {
	List(ctx context.Context, purchase offer.Purchase) ([]offer.Offer, error)
}

type changesetSigner interface {
	Sign(ctx context.Context, identity *auth.Identity, referenceID string, offerID int64) (changeset.Assertion, error)
}

// ServerConfig holds the HTTP-level knobs of the backend.
type ServerConfig struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server exposes the offer and sign-changeset endpoints.
type Server struct {
	verifier       sessionVerifier
	offers         offerLister
	signer         changesetSigner
	logger         *slog.Logger
	limiter        *rateLimiter
	requestTimeout time.Duration
	allowedOrigins []string

	offerSchema *jsonschema.Schema
	signSchema  *jsonschema.Schema
}

// NewServer wires the handlers. Nil collaborators are a programming error.
func NewServer(cfg ServerConfig, verifier sessionVerifier, offers offerLister, signer changesetSigner, logger *slog.Logger) (*Server, error) {
	if verifier == nil || offers == nil || signer == nil {
		panic("api.NewServer: verifier, offers and signer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	offerSchema, err := compileSchema("offer-request", offerRequestSchema)
	if err != nil {
		return nil, err
	}
	signSchema, err := compileSchema("sign-changeset-request", signRequestSchema)
	if err != nil {
		return nil, err
	}

	return &Server{
		verifier:       verifier,
		offers:         offers,
		signer:         signer,
		logger:         logger,
		limiter:        newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		requestTimeout: cfg.RequestTimeout,
		allowedOrigins: cfg.AllowedOrigins,
		offerSchema:    offerSchema,
		signSchema:     signSchema,
	}, nil
}

// Routes builds the router. The endpoints are served both at the root and under /api.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestID, s.logRequests, s.recoverPanics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Authorization"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(s))
		for _, prefix := range []string{"", "/api"} {
			r.Post(prefix+"/offer", s.handleOffer)
			r.Post(prefix+"/sign-changeset", s.handleSignChangeset)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type offerRequest struct {
	ReferenceID string `json:"referenceId"`
	Token       string `json:"token"`
}

type offerResponse struct {
	Offers []offer.Offer `json:"offers"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := s.decode(w, r, s.offerSchema, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	identity, ok := s.verify(w, r, req.Token)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	offers, err := s.offers.List(ctx, changeset.PurchaseFor(identity, req.ReferenceID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if offers == nil {
		offers = []offer.Offer{}
	}

	writeJSON(w, http.StatusOK, offerResponse{Offers: offers})
}

type signRequest struct {
	ReferenceID string `json:"referenceId"`
	Changes     int64  `json:"changes"`
	Token       string `json:"token"`
}

type signResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleSignChangeset(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := s.decode(w, r, s.signSchema, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	identity, ok := s.verify(w, r, req.Token)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	assertion, err := s.signer.Sign(ctx, &identity, req.ReferenceID, req.Changes)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, signResponse{Token: assertion.Token})
}

// verify writes a 401 and reports false when the session token is not acceptable.
// Nothing about the catalog is read before it succeeds.
func (s *Server) verify(w http.ResponseWriter, r *http.Request, token string) (auth.Identity, bool) {
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.WarnContext(r.Context(), "session token rejected",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"reason", auth.Reason(err),
		)
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid session token")
		return auth.Identity{}, false
	}
	return identity, true
}

// fail maps a domain error to its HTTP representation.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		s.logger.WarnContext(r.Context(), "sign request unauthorized",
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid session token")
	case errors.Is(err, offer.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "offer_not_found", "offer not found")
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.ErrorContext(r.Context(), "request timed out",
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		s.writeError(w, r, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		s.writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
