package httpapi

import (
	"errors"
	"net/http"

	"github.com/geniustep/bridgecore/internal/gateway"
	"github.com/geniustep/bridgecore/internal/tenant"
	"github.com/geniustep/bridgecore/internal/upstream"
)

// writeDomainError maps typed errors from the core onto the stable HTTP
// error shape. SessionExpired never reaches here in the happy path: the
// upstream client retries it once and only surfaces a second failure.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		badReq       *gateway.BadRequestError
		notAllowed   *gateway.ModelNotAllowedError
		permErr      *upstream.PermissionError
		methodErr    *upstream.MethodNotFoundError
		modelErr     *upstream.ModelNotFoundError
		recordErr    *upstream.RecordNotFoundError
		timeoutErr   *upstream.TimeoutError
		connErr      *upstream.ConnectionError
		authErr      *upstream.AuthError
		upstreamErr  *upstream.Error
	)

	switch {
	case errors.As(err, &badReq):
		writeError(w, r, http.StatusBadRequest, "BadRequest", badReq.Msg)

	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusUnauthorized, "AuthInvalid", "unknown tenant")

	case errors.Is(err, tenant.ErrSuspended):
		writeError(w, r, http.StatusForbidden, "TenantSuspended", "tenant account is suspended")

	case errors.Is(err, tenant.ErrGone):
		writeError(w, r, http.StatusGone, "TenantDeleted", "tenant account has been deleted")

	case errors.As(err, &notAllowed):
		writeError(w, r, http.StatusForbidden, "PermissionDenied", notAllowed.Error())

	case errors.As(err, &permErr):
		writeError(w, r, http.StatusForbidden, "PermissionDenied", permErr.Error())

	case errors.As(err, &methodErr):
		writeError(w, r, http.StatusNotFound, "NotFound", methodErr.Error())

	case errors.As(err, &modelErr):
		writeError(w, r, http.StatusNotFound, "NotFound", modelErr.Error())

	case errors.As(err, &recordErr):
		writeError(w, r, http.StatusNotFound, "NotFound", recordErr.Error())

	case errors.As(err, &timeoutErr):
		writeError(w, r, http.StatusGatewayTimeout, "Timeout", "upstream timed out")

	case errors.As(err, &connErr):
		writeError(w, r, http.StatusBadGateway, "ConnectionError", "upstream unreachable")

	case errors.As(err, &authErr):
		// The tenant's stored upstream credentials stopped working; for
		// the caller this is an upstream failure, not their auth problem.
		writeError(w, r, http.StatusBadGateway, "ConnectionError", "upstream rejected gateway credentials")

	case errors.Is(err, upstream.ErrSessionExpired):
		writeError(w, r, http.StatusBadGateway, "ConnectionError", "upstream session could not be refreshed")

	case errors.As(err, &upstreamErr):
		if isValidationError(upstreamErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:         "UpstreamError",
				Message:       upstreamErr.Message,
				Details:       upstreamErr.Data,
				CorrelationID: GetCorrelationID(r.Context()),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:         "UpstreamError",
			Message:       upstreamErr.Message,
			Details:       upstreamErr.Data,
			CorrelationID: GetCorrelationID(r.Context()),
		})

	default:
		writeError(w, r, http.StatusInternalServerError, "Internal", "internal error")
	}
}

// isValidationError detects upstream validation failures, which map to 400
// because the client payload is at fault.
func isValidationError(e *upstream.Error) bool {
	name, _ := e.Data["name"].(string)
	switch name {
	case "odoo.exceptions.ValidationError", "odoo.exceptions.UserError":
		return true
	}
	if etype, ok := e.Data["error_type"].(string); ok && etype == "validation" {
		return true
	}
	return false
}
