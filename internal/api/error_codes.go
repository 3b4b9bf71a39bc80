package api

import "net/http"

// Fallback codes for handlers that reply with a bare status. Handlers with a
// more specific failure set their own code on the apiError.
var errorCodes = map[int]string{
	http.StatusBadRequest:       "invalid_request",
	http.StatusUnauthorized:     "unauthorized",
	http.StatusNotFound:         "not_found",
	http.StatusMethodNotAllowed: "method_not_allowed",
}

func errorCodeForStatus(status int) string {
	if code, ok := errorCodes[status]; ok {
		return code
	}
	if status >= http.StatusInternalServerError {
		return "internal_error"
	}
	return ""
}
