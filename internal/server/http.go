package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/relstate/relstate/internal/protocol"
	"github.com/relstate/relstate/internal/query"
)

// handleHTTPQuery serves GET /<resource> with where/include/sort as
// URL-encoded JSON query params and limit as an integer.
func (s *Server) handleHTTPQuery(w http.ResponseWriter, req *http.Request) {
	resource := req.PathValue("resource")
	if !s.router.Schema().Has(resource) {
		writeError(w, http.StatusNotFound, protocol.CodeInvalidResource,
			fmt.Sprintf("unknown resource %q", resource))
		return
	}

	q := query.Query{Resource: resource}
	params := req.URL.Query()
	if raw := params.Get("where"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Where); err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidQuery, "invalid where clause")
			return
		}
	}
	if raw := params.Get("include"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Include); err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidQuery, "invalid include tree")
			return
		}
	}
	if raw := params.Get("sort"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Sort); err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidQuery, "invalid sort list")
			return
		}
	}
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidQuery, "invalid limit")
			return
		}
		q.Limit = &n
	}

	ctx := &Ctx{Context: req.Context(), Principal: s.principal(req)}
	rows, err := s.router.HandleQuery(ctx, q)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleHTTPMutate serves POST /<resource>/insert|update|<procedure>. The
// body is the mutation message without resource/type/procedure, which come
// from the path.
func (s *Server) handleHTTPMutate(w http.ResponseWriter, req *http.Request) {
	resource := req.PathValue("resource")
	procedure := req.PathValue("procedure")
	if !s.router.Schema().Has(resource) {
		writeError(w, http.StatusNotFound, protocol.CodeInvalidResource,
			fmt.Sprintf("unknown resource %q", resource))
		return
	}

	var m protocol.Message
	if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid request body")
		return
	}
	m.Type = protocol.TypeMutate
	m.Resource = resource
	switch strings.ToLower(procedure) {
	case "insert":
		m.Procedure = protocol.ProcedureInsert
	case "update":
		m.Procedure = protocol.ProcedureUpdate
	default:
		m.Procedure = procedure
	}
	if m.ID == "" {
		m.ID = protocol.NewID()
	}

	ctx := &Ctx{Context: req.Context(), Principal: s.principal(req)}
	data, err := s.router.HandleMutation(ctx, &m)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if data == nil {
		data = map[string]any{"id": m.ID}
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	ops, uptime := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": uptime.Seconds(),
		"operations":     ops,
	})
}

// writeMappedError translates dispatcher errors to the HTTP error shape.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, err.Error())
	case errors.Is(err, ErrInvalidResource):
		writeError(w, http.StatusNotFound, protocol.CodeInvalidResource, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, err.Error())
	case errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrMutationRejected):
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, protocol.CodeInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorBody{Message: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
