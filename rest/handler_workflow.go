package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/felcoslop/tizap-sub000/dispatch"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleStartDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid dispatch body")
		return
	}
	defer r.Body.Close()
	d, err := s.scheduler.Start(r.Context(), req)
	if err != nil {
		logger.Error("error starting dispatch", zap.String("owner", req.OwnerId), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, d.Progress())
}

func (s *Server) HandleGetDispatch(w http.ResponseWriter, r *http.Request) {
	progress, err := s.scheduler.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, statusFor(err), "dispatch not found")
		return
	}
	respondWithJSON(w, http.StatusOK, progress)
}

// HandleControlDispatch answers as soon as the status is written; the row in
// flight finishes in the background.
func (s *Server) HandleControlDispatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	act := dispatch.ControlAction(vars["action"])
	switch act {
	case dispatch.CONTROL_PAUSE, dispatch.CONTROL_RESUME, dispatch.CONTROL_STOP:
	default:
		respondWithError(w, http.StatusBadRequest, "unknown action "+string(act))
		return
	}
	d, err := s.scheduler.Control(r.Context(), id, act)
	if err != nil {
		logger.Error("error controlling dispatch", zap.String("dispatch", id), zap.String("action", string(act)), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, d.Progress())
}

// HandleDispatchEvents streams progress as server-sent events until the
// client goes away.
func (s *Server) HandleDispatchEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	current, err := s.scheduler.Status(r.Context(), id)
	if err != nil {
		respondWithError(w, statusFor(err), "dispatch not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, cancel := s.subscriber.Subscribe(r.Context(), id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !write(current) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-updates:
			if !ok || !write(p) {
				return
			}
		}
	}
}

func (s *Server) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.engine.Stop(r.Context(), id)
	if err != nil {
		logger.Error("error stopping session", zap.String("session", id), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"id": session.Id, "status": session.Status})
}

func (s *Server) HandleSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.sessions.GetSession(r.Context(), id); err != nil {
		respondWithError(w, statusFor(err), "session not found")
		return
	}
	logs, err := s.sessions.ListSessionLogs(r.Context(), id)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, map[string]any{"logs": logs})
}
