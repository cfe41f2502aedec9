package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/logger"
	"github.com/songzhibin97/flowcore/types"
)

const maxBodyBytes = 4 << 20

type CreateInstanceRequest struct {
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version,omitempty"`
	Context           map[string]interface{} `json:"context"`
	Assignees         map[string]string      `json:"assignees"`
}

type ClaimTaskRequest struct {
	Agent string `json:"agent"`
}

type CompleteTaskRequest struct {
	Output map[string]interface{} `json:"output"`
}

type FailTaskRequest struct {
	Reason string `json:"reason"`
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func instanceID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid instance id: %w", err)
	}
	return id, nil
}

// definitionFormat picks YAML for yaml media types and JSON otherwise.
func definitionFormat(r *http.Request) definition.Format {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && strings.Contains(mt, "yaml") {
		return definition.FormatYAML
	}
	return definition.FormatJSON
}

func (s *Server) HandleRegisterDefinition(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	def, err := definition.Parse(data, definitionFormat(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	stored, err := s.engine.RegisterDefinition(r.Context(), def)
	if err != nil {
		logger.Error("error registering definition", zap.String("definition", def.ID), zap.Error(err))
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, stored)
}

func (s *Server) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	ref := types.Ref{ID: mux.Vars(r)["id"]}
	if v := r.URL.Query().Get("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil || version < 0 {
			respondWithMessage(w, http.StatusBadRequest, "invalid version")
			return
		}
		ref.Version = version
	}
	def, err := s.engine.Definition(r.Context(), ref)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DefinitionID == "" {
		respondWithMessage(w, http.StatusBadRequest, "definition_id is required")
		return
	}

	ref := types.Ref{ID: req.DefinitionID, Version: req.DefinitionVersion}
	inst, err := s.engine.CreateInstance(r.Context(), ref, req.Context, req.Assignees)
	if err != nil {
		s.respondWithTickError(w, inst, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, inst)
}

func (s *Server) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		respondWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.engine.Status(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

func (s *Server) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		respondWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.engine.History(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (s *Server) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		respondWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	values, err := s.engine.ReadContext(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, values)
}

func (s *Server) HandleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req ClaimTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Agent == "" {
		respondWithMessage(w, http.StatusBadRequest, "agent is required")
		return
	}
	tok, err := s.engine.ClaimTask(r.Context(), mux.Vars(r)["id"], req.Agent)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tok)
}

func (s *Server) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := s.engine.CompleteTask(r.Context(), mux.Vars(r)["id"], req.Output)
	if err != nil {
		s.respondWithTickError(w, inst, err)
		return
	}
	respondWithJSON(w, http.StatusOK, inst)
}

func (s *Server) HandleFailTask(w http.ResponseWriter, r *http.Request) {
	var req FailTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := s.engine.FailTask(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, inst)
}

// respondWithTickError reports a failed tick. When the tick itself failed the
// instance, the persisted FAILED instance is part of the body.
func (s *Server) respondWithTickError(w http.ResponseWriter, inst types.Instance, err error) {
	body := newErrorBody(err)
	if inst.Status == types.StatusFailed && types.IsFatal(err) {
		logger.Warn("instance failed", zap.Uint64("instance", inst.ID), zap.Error(err))
		body.Instance = &inst
	} else if statusFor(err) == http.StatusInternalServerError {
		logger.Error("error advancing instance", zap.Uint64("instance", inst.ID), zap.Error(err))
	}
	respondWithJSON(w, statusFor(err), body)
}
