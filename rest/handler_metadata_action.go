package rest

import (
	"encoding/json"
	"net/http"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a model.Automation
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid automation body")
		return
	}
	defer r.Body.Close()
	if err := s.automations.Save(r.Context(), &a); err != nil {
		logger.Error("error saving automation", zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, a)
}

func (s *Server) HandleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.automations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, statusFor(err), "automation not found")
		return
	}
	respondWithJSON(w, http.StatusOK, a)
}

func (s *Server) HandleActivateAutomation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.automations.Activate(r.Context(), id); err != nil {
		logger.Error("error activating automation", zap.String("automation", id), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"id": id, "isActive": true})
}

func (s *Server) HandleDeactivateAutomation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.automations.Deactivate(r.Context(), id); err != nil {
		logger.Error("error deactivating automation", zap.String("automation", id), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"id": id, "isActive": false})
}
