package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/engine"
	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/metadata"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

type Server struct {
	http.Server
	Port        int
	definitions metadata.Service
	engine      *engine.Engine
}

func NewServer(httpPort int, definitions metadata.Service, eng *engine.Engine) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:        httpPort,
		definitions: definitions,
		engine:      eng,
	}

	router := mux.NewRouter()
	router.HandleFunc("/definition", s.HandleSaveDefinition).Methods(http.MethodPost)
	router.HandleFunc("/definition/{name}", s.HandleGetDefinition).Methods(http.MethodGet)
	router.HandleFunc("/definition/{name}", s.HandleDeleteDefinition).Methods(http.MethodDelete)
	router.HandleFunc("/run", s.HandleStartRun).Methods(http.MethodPost)
	router.HandleFunc("/run/{id}", s.HandleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/run/{id}/cancel", s.HandleCancelRun).Methods(http.MethodPost)
	router.HandleFunc("/run/{id}/step/{stepId}/complete", s.HandleCompleteStep).Methods(http.MethodPost)
	router.HandleFunc("/run/{id}/step/{stepId}/reassign", s.HandleReassignStep).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
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
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message string) {
	respondWithJSON(w, http.StatusOK, map[string]string{"message": message})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondErr maps the engine error taxonomy onto http statuses.
func respondErr(w http.ResponseWriter, err error) {
	var validation model.ValidationError
	var state model.StateError
	var notFound model.NotFoundError
	var transient model.TransientError
	switch {
	case errors.As(err, &validation):
		respondWithError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		respondWithError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &state):
		respondWithError(w, http.StatusConflict, state.Error())
	case errors.As(err, &transient):
		respondWithError(w, http.StatusServiceUnavailable, transient.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
