package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/namaskah/verify/internal/api"
	"github.com/namaskah/verify/internal/config"
	"github.com/namaskah/verify/internal/events"
	"github.com/namaskah/verify/internal/logger"
	"github.com/namaskah/verify/internal/poller"
	"github.com/namaskah/verify/internal/provider"
	"github.com/namaskah/verify/internal/service"
	"github.com/namaskah/verify/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("production").WithError(err).Fatal("failed to load config")
	}
	log := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DBSource, log)
	if err != nil {
		log.WithError(err).Fatal("unable to connect to database")
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	var publisher service.EventPublisher = events.Nop{}
	if cfg.AMQP.URL != "" {
		amqpPub, err := events.NewPublisher(cfg.AMQP, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize event publisher")
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	gateway := provider.NewClient(cfg.Vendor, log)
	orchestrator := service.NewOrchestrator(st, gateway, publisher,
		cfg.Poll.VerificationTimeout, cfg.Poll.FailureBudget, log)

	go poller.New(st, orchestrator, cfg.Poll, log).Run(ctx)

	handler := api.NewHandler(st, orchestrator, log)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/verifications", handler.CreateVerificationHandler).Methods("POST")
	apiV1.HandleFunc("/verifications/{id}", handler.GetVerificationHandler).Methods("GET")
	apiV1.HandleFunc("/verifications/{id}/cancel", handler.CancelVerificationHandler).Methods("POST")
	apiV1.HandleFunc("/users/{id}/balance", handler.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/users/{id}/ledger", handler.GetLedgerHandler).Methods("GET")
	apiV1.HandleFunc("/users/{id}/credits", handler.CreateCreditHandler).Methods("POST")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}

	log.Info("graceful shutdown complete")
}
