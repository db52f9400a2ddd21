package auth

import (
	"net/http"
	"strings"

	"chatrelay/pkg/logger"
)

func validateSender(a string) (bool, string) {
	if a == "" {
		return false, "sender required"
	}
	if len(a) > 128 {
		return false, "sender too long"
	}
	return true, ""
}

// ResolveSenderFromRequest is the single canonical resolver handlers should
// call. It prefers a signature-verified user email (in context). If a
// signature is present it is authoritative and any conflicting sender
// provided via header/body/query causes a 403. When no signature is
// present, backend/admin roles may supply a sender via body, header
// (X-User-Email) or query. Frontend callers require a signature and
// receive 401 when missing.
func ResolveSenderFromRequest(r *http.Request, bodySender string) (string, int, string) {
	// Prefer signature-verified user from context
	if id := UserEmailFromContext(r.Context()); id != "" {
		if q := strings.TrimSpace(r.URL.Query().Get("sender")); q != "" && q != id {
			logger.Warn("sender_mismatch_signature_query", "signature", id, "query", q, "remote", r.RemoteAddr, "path", r.URL.Path)
			return "", http.StatusForbidden, "sender mismatch between signature and query param"
		}
		if h := strings.TrimSpace(r.Header.Get("X-User-Email")); h != "" && h != id {
			logger.Warn("sender_mismatch_signature_header", "signature", id, "header", h, "remote", r.RemoteAddr, "path", r.URL.Path)
			return "", http.StatusForbidden, "sender mismatch between signature and header"
		}
		if bodySender != "" && bodySender != id {
			logger.Warn("sender_mismatch_signature_body", "signature", id, "body", bodySender, "remote", r.RemoteAddr, "path", r.URL.Path)
			return "", http.StatusForbidden, "sender mismatch between signature and body sender"
		}
		return id, 0, ""
	}

	// No signature; allow backend/admins to supply a sender via body/header/query.
	role := r.Header.Get("X-Role-Name")
	if role == "backend" || role == "admin" {
		for _, cand := range []string{bodySender, strings.TrimSpace(r.Header.Get("X-User-Email")), strings.TrimSpace(r.URL.Query().Get("sender"))} {
			if cand == "" {
				continue
			}
			if ok, msg := validateSender(cand); !ok {
				logger.Warn("invalid_backend_sender", "user", cand, "remote", r.RemoteAddr, "path", r.URL.Path)
				return "", http.StatusBadRequest, msg
			}
			return cand, 0, ""
		}
		logger.Warn("backend_missing_sender", "remote", r.RemoteAddr, "path", r.URL.Path)
		return "", http.StatusBadRequest, "sender required for backend requests"
	}

	logger.Warn("missing_sender_signature", "role", role, "remote", r.RemoteAddr, "path", r.URL.Path)
	return "", http.StatusUnauthorized, "missing or invalid sender signature"
}
