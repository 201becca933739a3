package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"crewdesk.io/internal/auth"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"code":    code,
		"message": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// writeServiceError maps identity-core errors onto the wire. Backend
// outages become 500s with a generic body; they must never read as a
// credential failure.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var sel *auth.SelectRequiredError
	if errors.As(err, &sel) {
		tenants := make([]map[string]string, 0, len(sel.Tenants))
		for _, t := range sel.Tenants {
			tenants = append(tenants, map[string]string{
				"id":      t.ID,
				"name":    t.Name,
				"country": t.Country,
			})
		}
		payload := map[string]any{
			"code":    auth.Code(err),
			"message": "tenant selection required",
			"tenants": tenants,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}
	var ve *auth.ValidationError
	if errors.As(err, &ve) {
		payload := map[string]any{
			"code":    auth.Code(err),
			"message": ve.Error(),
			"field":   ve.Field,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusBadRequest, payload)
		return
	}
	code := auth.Code(err)
	status := statusFor(code)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, r, status, code, msg)
}

func statusFor(code string) int {
	switch code {
	case "VALIDATION_FAILED":
		return http.StatusBadRequest
	case "AUTH_INVALID_CREDENTIALS", "AUTH_ACCOUNT_DISABLED",
		"TOKEN_EXPIRED", "TOKEN_INVALID", "TOKEN_REUSE_DETECTED",
		"REFRESH_TOKEN_INVALID", "INVALID_OTP", "INVALID_BACKUP_CODE",
		"TWO_FACTOR_REQUIRED":
		return http.StatusUnauthorized
	case "ACCOUNT_LOCKED", "FORBIDDEN", "NO_TENANT_ACCESS",
		"INSUFFICIENT_PERMISSION", "SCOPE_REQUIRED", "IMMUTABLE_FIELD",
		"TENANT_SUSPENDED":
		return http.StatusForbidden
	case "TENANT_NOT_FOUND", "NOT_FOUND":
		return http.StatusNotFound
	case "MULTI_TENANT_SELECT_REQUIRED":
		return http.StatusConflict
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}
