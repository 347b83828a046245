package server

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/imagefy/internal/database"
	"github.com/dukerupert/imagefy/internal/entitlement"
	"github.com/dukerupert/imagefy/internal/handler"
	"github.com/dukerupert/imagefy/internal/imagesearch"
	"github.com/dukerupert/imagefy/internal/middleware"
	"github.com/dukerupert/imagefy/internal/reconcile"
	"github.com/dukerupert/imagefy/internal/store"
	ws "github.com/dukerupert/imagefy/internal/websocket"
)

// Billing is everything the service needs from the payment processor.
type Billing interface {
	reconcile.CustomerResolver
	entitlement.Processor
	handler.EventVerifier
}

type Config struct {
	Environment    string
	AllowedOrigins []string
	SecretCodes    []string
	DBTimeout      time.Duration
	RedeemLimit    int
	RedeemWindow   time.Duration
	TrustedProxies []netip.Prefix
	ImageSearch    imagesearch.Config
}

type Server struct {
	db           *database.DB
	entitlements *store.EntitlementStore
	failures     *store.WebhookFailureStore
	reconciler   *reconcile.Reconciler
	hub          *ws.Hub
	limiter      middleware.Limiter
	clientIP     *middleware.ClientIP
	cfg          Config
	logger       *slog.Logger

	webhookH     *handler.WebhookHandler
	entitlementH *handler.EntitlementHandler
	searchH      *handler.SearchHandler
	healthH      *handler.HealthHandler
}

// New wires stores, services and handlers. limiter may be nil, in which case
// an in-memory limiter is used.
func New(db *database.DB, billing Billing, limiter middleware.Limiter, cfg Config, logger *slog.Logger) *Server {
	if cfg.RedeemLimit <= 0 {
		cfg.RedeemLimit = 5
	}
	if cfg.RedeemWindow <= 0 {
		cfg.RedeemWindow = 15 * time.Minute
	}
	if limiter == nil {
		limiter = middleware.NewRateLimiter()
	}

	entitlements := store.NewEntitlementStore(db, cfg.DBTimeout)
	failures := store.NewWebhookFailureStore(db, cfg.DBTimeout)

	reconciler := reconcile.New(entitlements, billing, failures, logger.With("component", "reconciler"))
	svc := entitlement.NewService(entitlements, billing, entitlement.NewCodeSet(cfg.SecretCodes), logger.With("component", "entitlement"))

	hub := ws.NewHub(logger.With("component", "websocket"))
	reconciler.SetNotifier(hub)
	svc.SetNotifier(hub)

	return &Server{
		db:           db,
		entitlements: entitlements,
		failures:     failures,
		reconciler:   reconciler,
		hub:          hub,
		limiter:      limiter,
		clientIP:     middleware.NewClientIP(cfg.TrustedProxies),
		cfg:          cfg,
		logger:       logger,
		webhookH:     handler.NewWebhookHandler(billing, reconciler, logger.With("component", "webhook")),
		entitlementH: handler.NewEntitlementHandler(svc, logger.With("component", "entitlement")),
		searchH:      handler.NewSearchHandler(imagesearch.NewService(cfg.ImageSearch), logger.With("component", "search")),
		healthH:      handler.NewHealthHandler(db, cfg.Environment),
	}
}

// Reconciler returns the reconciler for the dead-letter replay job.
func (s *Server) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.logger.With("component", "http")))
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/", s.healthH.Root)
	r.Get("/health", s.healthH.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook", s.webhookH.HandleStripeWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Post("/check-pro-status", s.entitlementH.CheckProStatus)
		r.With(middleware.RateLimit(s.limiter, s.redeemKey, s.cfg.RedeemLimit, s.cfg.RedeemWindow)).
			Post("/verify-secret-code", s.entitlementH.VerifySecretCode)
		r.Post("/get-session-email", s.entitlementH.GetSessionEmail)
		r.Post("/cancel-subscription", s.entitlementH.CancelSubscription)
		r.Post("/create-portal-session", s.entitlementH.CreatePortalSession)
		r.Post("/user-info", s.entitlementH.UserInfo)
		r.Get("/search-images", s.searchH.SearchImages)
		r.Get("/entitlement-stream", ws.HandleStream(s.hub, s.cfg.AllowedOrigins, s.logger.With("component", "websocket")))
	})

	return r
}

func (s *Server) redeemKey(r *http.Request) string {
	return "redeem:" + s.clientIP.Resolve(r)
}
