package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"topup-market/internal/config"
	"topup-market/internal/handlers"
	"topup-market/internal/logging"
	"topup-market/internal/middleware"
	"topup-market/internal/ratelimit"
)

const (
	authRateLimit   = 10 // запросов на IP в минуту для login/register
	uploadRateLimit = 5  // загрузок чеков на IP в минуту
)

type Server struct {
	Serv *http.Server
}

func New(cfg config.Config, handler *handlers.Server, limiter *ratelimit.Limiter) (*Server, error) {
	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware(logging.Logg))

	r.Route("/api/user", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limiter, authRateLimit, time.Minute))
			r.Post("/register", handler.RegisterUser)
			r.Post("/login", handler.LoginUser)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(&cfg))

			r.Post("/orders", handler.CreateOrder)
			r.Get("/orders", handler.GetOrders)
			r.Get("/orders/{orderID}", handler.GetOrder)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(limiter, uploadRateLimit, time.Minute))
				r.Post("/slips", handler.SubmitSlip)
			})
			r.Post("/slips/{slipID}/verify", handler.VerifySlip)

			r.Get("/balance", handler.GetBalance)
			r.Get("/transactions", handler.GetTransactions)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(&cfg))
		r.Use(middleware.AdminOnly)
		r.Post("/users/{userID}/adjust", handler.AdjustPoints)
		r.Post("/orders/{orderID}/cancel", handler.CancelOrder)
	})

	serv := &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second, // проверка чека ходит во внешний сервис
		IdleTimeout:  60 * time.Second,
	}

	return &Server{Serv: serv}, nil
}

func (s *Server) Start() {
	go func() {
		logging.Logg.Info("Starting server", "address", s.Serv.Addr)
		if err := s.Serv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logg.Error("Server failed to start", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	logging.Logg.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.Serv.Shutdown(shutdownCtx); err != nil {
		logging.Logg.Error("Server shutdown error", "error", err)
		return err
	}

	logging.Logg.Info("Server stopped")
	return nil
}
