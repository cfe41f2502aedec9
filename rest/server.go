// Package rest exposes the engine over HTTP.
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

	"github.com/songzhibin97/flowcore/logger"
	"github.com/songzhibin97/flowcore/types"
	"github.com/songzhibin97/flowcore/workflow"
)

// Engine is the part of workflow.Engine the HTTP layer drives.
type Engine interface {
	RegisterDefinition(ctx context.Context, def types.Definition) (types.Definition, error)
	Definition(ctx context.Context, ref types.Ref) (types.Definition, error)
	CreateInstance(ctx context.Context, ref types.Ref, initial map[string]interface{}, assignees map[string]string) (types.Instance, error)
	CompleteTask(ctx context.Context, taskID string, output map[string]interface{}) (types.Instance, error)
	ClaimTask(ctx context.Context, taskID, agent string) (types.WorkToken, error)
	FailTask(ctx context.Context, taskID, reason string) (types.Instance, error)
	Status(ctx context.Context, instanceID uint64) (workflow.InstanceStatus, error)
	History(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error)
	ReadContext(ctx context.Context, instanceID uint64) (map[string]interface{}, error)
}

var _ Engine = (*workflow.Engine)(nil)

type Server struct {
	http.Server
	Port   int
	engine Engine
}

func NewServer(httpPort int, engine Engine) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	s := &Server{
		Server: http.Server{
			Addr:              fmt.Sprintf(":%d", httpPort),
			ReadHeaderTimeout: 5 * time.Second,
		},
		Port:   httpPort,
		engine: engine,
	}

	router := mux.NewRouter()
	router.HandleFunc("/definitions", s.HandleRegisterDefinition).Methods(http.MethodPost)
	router.HandleFunc("/definitions/{id}", s.HandleGetDefinition).Methods(http.MethodGet)
	router.HandleFunc("/instances", s.HandleCreateInstance).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id:[0-9]+}", s.HandleGetInstance).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id:[0-9]+}/history", s.HandleGetHistory).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id:[0-9]+}/context", s.HandleGetContext).Methods(http.MethodGet)
	router.HandleFunc("/tasks/{id}/claim", s.HandleClaimTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/complete", s.HandleCompleteTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/fail", s.HandleFailTask).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info(r.RequestURI,
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		code = http.StatusInternalServerError
		response = []byte(`{"error":"failed to encode response"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error      string          `json:"error"`
	Kind       string          `json:"kind,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Path       []string        `json:"path,omitempty"`
	Instance   *types.Instance `json:"instance,omitempty"`
}

func respondWithError(w http.ResponseWriter, err error) {
	respondWithJSON(w, statusFor(err), newErrorBody(err))
}

func respondWithMessage(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorBody{Error: message})
}

func newErrorBody(err error) errorBody {
	body := errorBody{Error: err.Error()}
	var ee *types.EngineError
	if errors.As(err, &ee) {
		body.Kind = ee.Kind.Error()
		body.NodeID = ee.NodeID
		body.Expression = ee.Expression
		body.Path = ee.Path
	}
	return body
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrAuthoring),
		errors.Is(err, types.ErrOutputInvalid),
		errors.Is(err, types.ErrRuntimeEvaluation),
		errors.Is(err, types.ErrRegistryFunctionNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
