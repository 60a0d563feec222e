package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var fl model.Flow
	if err := json.NewDecoder(r.Body).Decode(&fl); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid flow body")
		return
	}
	defer r.Body.Close()
	if err := s.flows.Save(r.Context(), &fl); err != nil {
		logger.Error("error saving flow", zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, fl)
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fl, err := s.flows.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, statusFor(err), "flow not found")
		return
	}
	respondWithJSON(w, http.StatusOK, fl)
}

func (s *Server) HandleExportFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	data, err := s.flows.Export(r.Context(), id)
	if err != nil {
		logger.Error("error exporting flow", zap.String("flow", id), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=\"flow-"+id+".json\"")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleImportFlow stores the exported artifact in the body as a new flow.
// Owner and name come from the query string.
func (s *Server) HandleImportFlow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	q := r.URL.Query()
	fl, err := s.flows.Import(r.Context(), q.Get("ownerId"), q.Get("name"), data)
	if err != nil {
		logger.Error("error importing flow", zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, fl)
}
