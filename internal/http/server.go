package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/funnelforge/billing/internal/billing"
	"github.com/funnelforge/billing/internal/config"
	"github.com/funnelforge/billing/internal/entitlement"
	"github.com/funnelforge/billing/internal/models"
	"github.com/funnelforge/billing/internal/services"
)

// maxWebhookBody Stripe 建议的 webhook 请求体上限
const maxWebhookBody = 65536

type Server struct {
	svc *services.Service
	cfg config.Config
}

func NewServer(svc *services.Service, cfg config.Config) *Server {
	return &Server{svc: svc, cfg: cfg}
}

// loggingRecoverer 自定义的 panic 恢复中间件，记录详细的错误信息
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志的中间件
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// 所有 API 路由都在 /api 前缀下
	r.Route("/api", func(r chi.Router) {
		// 公开接口
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/features", s.handleListFeatures)

		// 需要认证的用户接口
		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/account", s.handleGetAccount)
			r.Put("/account/storefront", s.handleConnectStorefront)
			r.Delete("/account/storefront", s.handleDisconnectStorefront)

			r.Post("/subscriptions", s.handleCreateSubscription)
			r.Post("/subscriptions/portal", s.handleCreatePortalSession)
			r.Post("/subscriptions/cancel", s.handleCancelSubscription)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", strings.TrimRight(s.cfg.PublicURL, "/"))
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "could not read request body", Details: err.Error()})
		return
	}

	if _, err := s.svc.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		msg := "webhook handler failed"
		if errors.Is(err, billing.ErrInvalidSignature) {
			msg = "webhook signature verification failed"
		}
		respondJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: msg, Details: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	account, err := s.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Account created.",
		"user":    newAccountView(account),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}

	account, err := s.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	token, err := s.generateJWT(account)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged in.",
		"token":   token,
		"user":    newAccountView(account),
	})
}

type featureView struct {
	Name        string `json:"name"`
	MinimumPlan string `json:"minimumPlan"`
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	features := entitlement.All()
	out := make([]featureView, 0, len(features))
	for _, f := range features {
		plan, _ := entitlement.MinimumPlan(f)
		out = append(out, featureView{Name: string(f), MinimumPlan: string(plan)})
	}
	respondJSON(w, http.StatusOK, map[string]any{"features": out})
}

type accountView struct {
	Email               string     `json:"email"`
	Plan                string     `json:"plan"`
	SubscriptionStatus  string     `json:"subscriptionStatus"`
	PeriodStart         *time.Time `json:"periodStart,omitempty"`
	PeriodEnd           *time.Time `json:"periodEnd,omitempty"`
	HasBillingCustomer  bool       `json:"hasBillingCustomer"`
	StorefrontConnected bool       `json:"storefrontConnected"`
	StorefrontDomain    string     `json:"storefrontDomain,omitempty"`
	Features            []string   `json:"features"`
	LockedFeatures      []string   `json:"lockedFeatures"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastLogin           *time.Time `json:"lastLogin,omitempty"`
}

func newAccountView(a models.Account) accountView {
	v := accountView{
		Email:              a.Email,
		Plan:               string(a.Plan),
		SubscriptionStatus: string(a.SubscriptionStatus),
		PeriodStart:        a.PeriodStart,
		PeriodEnd:          a.PeriodEnd,
		HasBillingCustomer: a.CustomerID() != "",
		Features:           []string{},
		LockedFeatures:     []string{},
		CreatedAt:          a.CreatedAt,
		LastLogin:          a.LastLogin,
	}
	if a.Storefront != nil {
		v.StorefrontConnected = true
		v.StorefrontDomain = a.Storefront.Domain
	}
	for _, f := range entitlement.All() {
		if entitlement.Unlocked(f, a.Plan) {
			v.Features = append(v.Features, string(f))
		} else {
			v.LockedFeatures = append(v.LockedFeatures, string(f))
		}
	}
	return v
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.svc.GetAccount(r.Context(), getEmailFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newAccountView(account))
}

type storefrontRequest struct {
	Domain          string `json:"domain"`
	AdminToken      string `json:"adminToken"`
	StorefrontToken string `json:"storefrontToken"`
	ThemeID         string `json:"themeId"`
	APIKey          string `json:"apiKey"`
	SecretKey       string `json:"secretKey"`
}

func (s *Server) handleConnectStorefront(w http.ResponseWriter, r *http.Request) {
	var req storefrontRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	_, err := s.svc.ConnectStorefront(r.Context(), getEmailFromContext(r.Context()), models.StorefrontConnection{
		Domain:          req.Domain,
		AdminToken:      req.AdminToken,
		StorefrontToken: req.StorefrontToken,
		ThemeID:         req.ThemeID,
		APIKey:          req.APIKey,
		SecretKey:       req.SecretKey,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Storefront connected."})
}

func (s *Server) handleDisconnectStorefront(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.DisconnectStorefront(r.Context(), getEmailFromContext(r.Context())); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Storefront disconnected."})
}

type createSubscriptionRequest struct {
	Email string `json:"email"`
	Plan  string `json:"plan"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	email, err := emailForRequest(r.Context(), req.Email)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	plan, ok := models.ParsePlan(req.Plan)
	if !ok {
		s.respondServiceError(w, r, services.ErrInvalidPlan)
		return
	}

	intent, err := s.svc.CreateSubscription(r.Context(), email, plan)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, intent)
}

type emailRequest struct {
	Email string `json:"email"`
}

func decodeEmailRequest(r *http.Request) (string, error) {
	var req emailRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: %w", services.ErrInvalidRequest, err)
		}
	}
	return emailForRequest(r.Context(), req.Email)
}

func (s *Server) handleCreatePortalSession(w http.ResponseWriter, r *http.Request) {
	email, err := decodeEmailRequest(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	url, err := s.svc.CreatePortalSession(r.Context(), email)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	email, err := decodeEmailRequest(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	result, err := s.svc.CancelSubscription(r.Context(), email)
	if err != nil {
		status, public := s.classifyServiceError(r, err)
		respondJSON(w, status, services.CancelResult{Success: false, Message: public.Error()})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// respondServiceError 将业务错误映射为 HTTP 状态码。Stripe 和内部错误只返回通用信息。
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, public := s.classifyServiceError(r, err)
	respondError(w, status, public)
}

// classifyServiceError 返回状态码和可以展示给用户的错误
func (s *Server) classifyServiceError(r *http.Request, err error) (int, error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, services.ErrNotFound
	case errors.Is(err, services.ErrNoBillingCustomer):
		return http.StatusNotFound, services.ErrNoBillingCustomer
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, services.ErrInvalidRequest
	case errors.Is(err, services.ErrInvalidPlan):
		return http.StatusBadRequest, err
	case errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized, err
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, err
	case errors.Is(err, services.ErrEmailAlreadyExists):
		return http.StatusConflict, err
	case errors.Is(err, services.ErrAlreadySubscribed):
		return http.StatusConflict, err
	case errors.Is(err, billing.ErrProvider):
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).
			Msg("billing provider error")
		return http.StatusBadGateway, errors.New("billing provider unavailable, please try again later")
	default:
		// 对于未知错误，记录详细日志
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).
			Msg("internal server error")
		return http.StatusInternalServerError, errors.New("internal server error")
	}
}
