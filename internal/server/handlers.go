package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/engine"
	"github.com/exospherehost/state-manager/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("store unreachable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpsertGraph(w http.ResponseWriter, r *http.Request) {
	var req upsertGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	g, err := s.eng.UpsertGraph(r.Context(), r.PathValue("ns"), r.PathValue("g"), engine.GraphUpsert{
		Nodes:       req.Nodes,
		Secrets:     req.Secrets,
		Store:       req.Store,
		RetryPolicy: req.RetryPolicy,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.runner.Kick(g.Namespace, g.Name)
	writeJSON(w, http.StatusCreated, toGraphResponse(g))
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.eng.GetGraph(r.Context(), r.PathValue("ns"), r.PathValue("g"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraphResponse(g))
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.eng.ListGraphs(r.Context(), r.PathValue("ns"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]graphResponse, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, toGraphResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterNodes(w http.ResponseWriter, r *http.Request) {
	var req registerNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	for _, n := range req.Nodes {
		if n != nil && n.RuntimeName == "" {
			n.RuntimeName = req.RuntimeName
		}
	}
	if err := s.eng.RegisterNodes(r.Context(), r.PathValue("ns"), req.Nodes); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"registered": len(req.Nodes)})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.eng.ListNodes(r.Context(), r.PathValue("ns"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	res, err := s.eng.Trigger(r.Context(), r.PathValue("ns"), r.PathValue("g"), req.Store, req.Inputs)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ns := r.PathValue("ns")
	states, err := s.eng.Enqueue(r.Context(), ns, req.Nodes, req.BatchSize)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if states == nil {
		states = []*model.State{}
	}
	writeJSON(w, http.StatusOK, enqueueResponse{Namespace: ns, Count: len(states), States: states})
}

func (s *Server) handleExecuted(w http.ResponseWriter, r *http.Request) {
	var req executedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	st, err := s.eng.Executed(r.Context(), r.PathValue("id"), req.Outputs)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Status{"status": st.Status})
}

func (s *Server) handleErrored(w http.ResponseWriter, r *http.Request) {
	var req erroredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	st, retried, err := s.eng.Errored(r.Context(), r.PathValue("id"), req.Error)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, erroredResponse{Status: st.Status, RetryCreated: retried})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	st, err := s.eng.Prune(r.Context(), r.PathValue("id"), req.Data)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Status{"status": st.Status})
}

func (s *Server) handleReenqueueAfter(w http.ResponseWriter, r *http.Request) {
	var req reenqueueAfterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	st, err := s.eng.ReenqueueAfter(r.Context(), r.PathValue("id"), req.EnqueueAfter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": st.Status, "eligible_at": st.EligibleAt})
}

func (s *Server) handleStateSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.eng.StateSecrets(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secrets)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	size, err := strconv.Atoi(r.PathValue("size"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "size must be an integer")
		return
	}
	runs, total, err := s.eng.ListRuns(r.Context(), r.PathValue("ns"), page, size)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if runs == nil {
		runs = []engine.RunSummary{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Total: total, Page: page, Size: size, Runs: runs})
}

func (s *Server) handleRunGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.eng.RenderRunGraph(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func toGraphResponse(g *model.GraphTemplate) graphResponse {
	names := make([]string, 0, len(g.Secrets))
	for name := range g.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return graphResponse{
		Name:             g.Name,
		Namespace:        g.Namespace,
		Nodes:            g.Nodes,
		SecretNames:      names,
		Store:            g.Store,
		RetryPolicy:      g.RetryPolicy,
		ValidationStatus: g.ValidationStatus,
		ValidationErrors: g.ValidationErrors,
		CreatedAt:        g.CreatedAt,
		UpdatedAt:        g.UpdatedAt,
	}
}

// writeAppError maps engine error kinds onto HTTP status codes.
func writeAppError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperr.KindNotFound:
			writeError(w, http.StatusNotFound, ae.Error())
			return
		case apperr.KindPrecondition:
			writeError(w, http.StatusBadRequest, ae.Error())
			return
		case apperr.KindUnauthorized:
			writeError(w, http.StatusUnauthorized, ae.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
