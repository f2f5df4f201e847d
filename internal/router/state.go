package router

import (
	"github.com/gin-gonic/gin"
)

// Per-request context keys. The route record and the validation state ride on
// the request context; each request's state is owned exclusively by its own
// chain.
const (
	ctxRoute           = "route"
	ctxValidatedParams = "validatedParameters"
	ctxCommonValidated = "commonValidatedParameters"
	ctxNextController  = "nextController"
	ctxControllerDebug = "controllerDebugInfo"
	ctxChainStart      = "chainStartedAt"
	ctxAuthClaims      = "authClaims"
)

// ValidatedParams is the per-controller slice of validated request data,
// grouped by section.
type ValidatedParams struct {
	ControllerName string
	Version        string
	Function       string
	Data           SectionData
}

// SectionData holds validated values per request section.
type SectionData struct {
	Header map[string]any
	Query  map[string]any
	Body   map[string]any
	Path   map[string]any
}

// RouteOf returns the RegisteredService attached to the request, if any.
func RouteOf(c *gin.Context) (*RegisteredService, bool) {
	v, ok := c.Get(ctxRoute)
	if !ok {
		return nil, false
	}
	svc, ok := v.(*RegisteredService)
	return svc, ok
}

// ParamsOf returns the validated parameters currently exposed to the running
// controller. The slot is overwritten on every preload step: controllers must
// read it immediately and not cache it across suspension points.
func ParamsOf(c *gin.Context) (ValidatedParams, bool) {
	v, ok := c.Get(ctxValidatedParams)
	if !ok {
		return ValidatedParams{}, false
	}
	params, ok := v.(ValidatedParams)
	return params, ok
}
