package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/schema"
)

// preconditionMiddleware validates the request against every controller's
// declared parameter schemas. Controllers are checked concurrently; their
// results are re-ordered to declaration order before merging, so the final
// error list is deterministic. Identical (code, id, section) triples across
// controllers are reported once. On any error the request stops with a 400
// and the aggregated list; otherwise the per-request validation state is
// populated for the preloader.
func preconditionMiddleware(a *Assembler, key string, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, ok := a.lookupService(key)
		if !ok {
			// Security fallback: an unknown route must never pass through
			// unvalidated.
			log.Error("no registered service for request", nil, "key", key)
			respondError(c, http.StatusInternalServerError, nil, nil)
			return
		}
		c.Set(ctxRoute, svc)

		input := readSections(c)

		type result struct {
			params ValidatedParams
			errs   []apperr.FieldError
		}
		results := make([]result, len(svc.Preconditions))

		var wg sync.WaitGroup
		for i, cp := range svc.Preconditions {
			wg.Add(1)
			go func(i int, cp ControllerPrecondition) {
				defer wg.Done()
				data, errs := validateSections(cp.Precondition.Parameters, input)
				results[i] = result{
					params: ValidatedParams{
						ControllerName: cp.Controller.Name,
						Version:        cp.Controller.Version,
						Function:       cp.Function,
						Data:           data,
					},
					errs: errs,
				}
			}(i, cp)
		}
		wg.Wait()

		var all []apperr.FieldError
		seen := map[string]bool{}
		common := make([]ValidatedParams, 0, len(results))
		for _, r := range results {
			common = append(common, r.params)
			for _, fe := range r.errs {
				dedupeKey := fe.Code + "|" + fe.ID + "|" + fe.In
				if seen[dedupeKey] {
					continue
				}
				seen[dedupeKey] = true
				all = append(all, fe)
			}
		}

		if len(all) > 0 {
			respondError(c, http.StatusBadRequest, all, debugInfo(c))
			return
		}

		c.Set(ctxCommonValidated, common)
		c.Next()
	}
}

// sectionInput is the raw request data split by section.
type sectionInput struct {
	header map[string]any
	query  map[string]any
	body   map[string]any
	path   map[string]any
}

func (in sectionInput) bySection(name string) map[string]any {
	switch name {
	case SectionHeader:
		return in.header
	case SectionQuery:
		return in.query
	case SectionBody:
		return in.body
	default:
		return in.path
	}
}

// readSections extracts header, query, body, and path values once per
// request. The JSON body is restored so controllers can still read it.
func readSections(c *gin.Context) sectionInput {
	in := sectionInput{
		header: map[string]any{},
		query:  map[string]any{},
		body:   map[string]any{},
		path:   map[string]any{},
	}
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			in.header[strings.ToLower(name)] = values[0]
		}
	}
	for name, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			in.query[name] = values[0]
		}
	}
	for _, p := range c.Params {
		in.path[p.Key] = p.Value
	}
	if c.Request.Body != nil {
		raw, err := io.ReadAll(c.Request.Body)
		if err == nil && len(raw) > 0 {
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
			var parsed map[string]any
			if json.Unmarshal(raw, &parsed) == nil {
				in.body = parsed
			}
		}
	}
	return in
}

// validateSections runs the validator per declared section, tagging every
// field error with its source section.
func validateSections(params ParameterSections, input sectionInput) (SectionData, []apperr.FieldError) {
	var data SectionData
	var errs []apperr.FieldError
	for _, sec := range params.sections() {
		validated, err := schema.Validate(input.bySection(sec.name), sec.tree, schema.Options{})
		if err != nil {
			ve, ok := apperr.AsValidation(err)
			if !ok {
				errs = append(errs, apperr.FieldError{
					Code: apperr.CodeInternalError,
					Msg:  err.Error(),
					In:   sec.name,
				})
				continue
			}
			for _, fe := range ve.Errors {
				// A section whose optional parameters are simply absent is
				// not an error: required fields report their own code.
				if fe.Code == apperr.CodeModelNotMatch {
					continue
				}
				fe.In = sec.name
				errs = append(errs, fe)
			}
			continue
		}
		switch sec.name {
		case SectionHeader:
			data.Header = validated
		case SectionQuery:
			data.Query = validated
		case SectionBody:
			data.Body = validated
		case SectionPath:
			data.Path = validated
		}
	}
	return data, errs
}

// debugInfo returns the debug block when the caller asked for it and the
// assembler permits it; nil otherwise.
func debugInfo(c *gin.Context) any {
	if c.Query("debug") != "true" {
		return nil
	}
	v, ok := c.Get(ctxControllerDebug)
	if !ok {
		return nil
	}
	return v
}
