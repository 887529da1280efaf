package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/driftsync/driftsync/internal/apply"
	"github.com/driftsync/driftsync/internal/change"
	"github.com/driftsync/driftsync/internal/registry"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth answers peer probes. Footprints are computed only on request:
// they require a key scan per tracked table, far too heavy for a plain ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := change.HealthInfo{
		ServerID:           s.config.ServerID,
		Name:               s.config.ServerName,
		Status:             "ok",
		ReplicationEnabled: s.engine.Gate().Enabled(),
		DatabaseSync:       true,
	}

	if r.URL.Query().Get("footprints") == "1" {
		info.Footprints = make(map[string]change.Footprint)
		for _, spec := range s.catalog.Tables() {
			source, ok := s.sources[spec.Origin]
			if !ok {
				continue
			}
			fp, err := source.Footprint(r.Context(), spec)
			if err != nil {
				s.log.Warn().Str("table", spec.Name).Err(err).Msg("footprint query failed")
				continue
			}
			info.Footprints[spec.Name] = fp
		}
	}

	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	s.applyBatch(w, r, "receive")
}

func (s *Server) handleCatchup(w http.ResponseWriter, r *http.Request) {
	s.applyBatch(w, r, "catchup")
}

// applyBatch is the shared intake path: real-time batches and catch-up
// streams go through the same verification, dedup and routing.
func (s *Server) applyBatch(w http.ResponseWriter, r *http.Request, kind string) {
	var batch change.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch payload")
		return
	}

	result, err := s.applier.Apply(r.Context(), &batch)
	if result == nil {
		s.log.Error().Str("kind", kind).Err(err).Msg("batch apply failed")
		respondError(w, http.StatusInternalServerError, "failed to apply batch")
		return
	}

	status := http.StatusOK
	switch result.Status {
	case apply.StatusRejected:
		status = http.StatusConflict
	case apply.StatusPartiallyFailed:
		status = http.StatusInternalServerError
	}

	s.log.Debug().
		Str("kind", kind).
		Str("batch_id", batch.ID).
		Str("status", string(result.Status)).
		Int("records", len(batch.Records)).
		Msg("batch processed")

	respondJSON(w, status, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var server registry.Server
	if err := json.NewDecoder(r.Body).Decode(&server); err != nil {
		respondError(w, http.StatusBadRequest, "invalid server payload")
		return
	}
	if server.Name == "" || server.Host == "" || server.Port == 0 {
		respondError(w, http.StatusBadRequest, "name, host and port are required")
		return
	}

	if err := s.registry.Add(&server); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, &server)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var server registry.Server
	if err := json.NewDecoder(r.Body).Decode(&server); err != nil {
		respondError(w, http.StatusBadRequest, "invalid server payload")
		return
	}
	server.ID = id

	if err := s.registry.Update(&server); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, &server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.registry.Delete(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handlePingServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.registry.Get(id); !ok {
		respondError(w, http.StatusNotFound, "server not found")
		return
	}

	reachable := s.prober.Probe(r.Context(), id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"server_id": id,
		"reachable": reachable,
	})
}

func (s *Server) handleForceCatchup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.registry.Get(id); !ok {
		respondError(w, http.StatusNotFound, "server not found")
		return
	}

	if err := s.scheduler.ForceCatchup(r.Context(), id); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"started": id})
}

func (s *Server) handleEnableReplication(w http.ResponseWriter, r *http.Request) {
	s.engine.EnableReplication()
	respondJSON(w, http.StatusOK, map[string]bool{"replication_enabled": true})
}

func (s *Server) handleDisableReplication(w http.ResponseWriter, r *http.Request) {
	s.engine.DisableReplication()
	respondJSON(w, http.StatusOK, map[string]bool{"replication_enabled": false})
}
