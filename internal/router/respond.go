package router

import (
	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge/internal/apperr"
)

// defaultResponses is the fallback description set per standard status code,
// used when a route declares no specific response and as the base of every
// merged response map.
var defaultResponses = map[int]string{
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	429: "Too Many Requests",
	500: "Internal Server Error",
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Status int                 `json:"status"`
	Errors []apperr.FieldError `json:"errors"`
	Debug  any                 `json:"debug,omitempty"`
}

// respondError writes the structured error body and aborts the chain. When no
// field errors are supplied the default body for the status code is used.
// Debug is included only when the caller requested it and the environment
// permits it; callers pass nil otherwise.
func respondError(c *gin.Context, status int, errs []apperr.FieldError, debug any) {
	if len(errs) == 0 {
		errs = []apperr.FieldError{{Code: "Default", Msg: defaultResponses[status]}}
	}
	c.AbortWithStatusJSON(status, errorBody{Status: status, Errors: errs, Debug: debug})
}

// mergeResponses merges declared response descriptions over the default set,
// deduplicating per status code. Inputs are never mutated.
func mergeResponses(base map[int][]string, additions ...map[int][]string) map[int][]string {
	out := make(map[int][]string)
	for code, msg := range defaultResponses {
		out[code] = []string{msg}
	}
	for code, msgs := range base {
		out[code] = appendUnique(out[code], msgs...)
	}
	for _, add := range additions {
		for code, msgs := range add {
			out[code] = appendUnique(out[code], msgs...)
		}
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
