package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/gateway"
)

// rpcBody is the op-specific request payload for /rpc/{operation}.
type rpcBody struct {
	Model  string         `json:"model"`
	IDs    []int          `json:"ids,omitempty"`
	Domain []any          `json:"domain,omitempty"`
	Fields []string       `json:"fields,omitempty"`
	Order  string         `json:"order,omitempty"`
	Limit  *int           `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
	Values map[string]any `json:"values,omitempty"`
	Name   string         `json:"name,omitempty"`

	// call_kw passthrough
	Method string         `json:"method,omitempty"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

func (b rpcBody) toRequest(tenantID, op string) gateway.Request {
	return gateway.Request{
		TenantID: tenantID,
		Op:       op,
		Model:    b.Model,
		IDs:      b.IDs,
		Domain:   b.Domain,
		Fields:   b.Fields,
		Order:    b.Order,
		Limit:    b.Limit,
		Offset:   b.Offset,
		Values:   b.Values,
		Name:     b.Name,
		Method:   b.Method,
		Args:     b.Args,
		Kwargs:   b.Kwargs,
	}
}

// ExecuteRPC handles POST /rpc/{operation}.
func (s *Server) ExecuteRPC(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "operation")

	// Closed-set check before decoding: an unknown operation never touches
	// the upstream, whatever the payload says.
	if !gateway.ValidOp(op) {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "unknown operation "+op)
		return
	}

	var body rpcBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := s.Gateway.Execute(r.Context(), body.toRequest(auth.TenantID(r.Context()), op))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      result.Data,
		"cached":    result.Cached,
		"optimized": result.Optimized,
	})
}

// batchBody is the request payload for /rpc/batch.
type batchBody struct {
	Operations []batchOperation `json:"operations"`
	StopOnError bool            `json:"stop_on_error"`
}

type batchOperation struct {
	Operation string `json:"operation"`
	rpcBody
}

// ExecuteBatch handles POST /rpc/batch.
func (s *Server) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Operations) == 0 {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "operations are required")
		return
	}

	tenantID := auth.TenantID(r.Context())
	items := make([]gateway.BatchItem, 0, len(body.Operations))
	for _, op := range body.Operations {
		items = append(items, gateway.BatchItem{Request: op.toRequest(tenantID, op.Operation)})
	}

	result := s.Gateway.ExecuteBatch(r.Context(), tenantID, items, body.StopOnError)
	writeJSON(w, http.StatusOK, result)
}
