package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/dispatch"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/notify"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/trigger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port        int
	resolver    *trigger.Resolver
	flows       *flow.FlowService
	automations *flow.AutomationService
	scheduler   *dispatch.Scheduler
	engine      *engine.Engine
	sessions    persistence.SessionStorage
	subscriber  notify.Subscriber
	webhook     config.WebhookConfig
}

type Services struct {
	Resolver    *trigger.Resolver
	Flows       *flow.FlowService
	Automations *flow.AutomationService
	Scheduler   *dispatch.Scheduler
	Engine      *engine.Engine
	Sessions    persistence.SessionStorage
	Subscriber  notify.Subscriber
}

func NewServer(httpPort int, services Services, webhook config.WebhookConfig) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		Port:        httpPort,
		resolver:    services.Resolver,
		flows:       services.Flows,
		automations: services.Automations,
		scheduler:   services.Scheduler,
		engine:      services.Engine,
		sessions:    services.Sessions,
		subscriber:  services.Subscriber,
		webhook:     webhook,
	}

	router := mux.NewRouter()
	router.HandleFunc("/webhook/{ownerId}", s.HandleInboundEvent).Methods(http.MethodPost)
	router.HandleFunc("/webhook/{ownerId}/whatsapp", s.HandleWhatsAppVerify).Methods(http.MethodGet)
	router.HandleFunc("/webhook/{ownerId}/whatsapp", s.HandleWhatsAppWebhook).Methods(http.MethodPost)

	router.HandleFunc("/flows", s.HandleCreateFlow).Methods(http.MethodPost)
	router.HandleFunc("/flows/import", s.HandleImportFlow).Methods(http.MethodPost)
	router.HandleFunc("/flows/{id}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/flows/{id}/export", s.HandleExportFlow).Methods(http.MethodGet)

	router.HandleFunc("/automations", s.HandleCreateAutomation).Methods(http.MethodPost)
	router.HandleFunc("/automations/{id}", s.HandleGetAutomation).Methods(http.MethodGet)
	router.HandleFunc("/automations/{id}/activate", s.HandleActivateAutomation).Methods(http.MethodPost)
	router.HandleFunc("/automations/{id}/deactivate", s.HandleDeactivateAutomation).Methods(http.MethodPost)

	router.HandleFunc("/dispatches", s.HandleStartDispatch).Methods(http.MethodPost)
	router.HandleFunc("/dispatches/{id}", s.HandleGetDispatch).Methods(http.MethodGet)
	router.HandleFunc("/dispatches/{id}/events", s.HandleDispatchEvents).Methods(http.MethodGet)
	router.HandleFunc("/dispatches/{id}/{action}", s.HandleControlDispatch).Methods(http.MethodPost)

	router.HandleFunc("/sessions/{id}/stop", s.HandleStopSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/logs", s.HandleSessionLogs).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, flow.ErrKeywordConflict):
		return http.StatusConflict
	case errors.Is(err, flow.ErrInvalidGraph), errors.Is(err, flow.ErrNoKeywords),
		errors.Is(err, dispatch.ErrNoLeads), errors.Is(err, dispatch.ErrMissingTarget),
		errors.Is(err, trigger.ErrBadPhone), errors.Is(err, trigger.ErrNoOwner):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
