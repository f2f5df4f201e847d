// Package router assembles declared routes into ordered middleware chains:
// CORS, rate limiting, authorization, precondition checks, per-controller
// parameter preloading, and a runtime measurement tap. Route assembly happens
// once at startup; everything it produces is read-only at request time.
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge/internal/schema"
)

// ParameterSections groups a controller's declared parameter schemas by
// request section.
type ParameterSections struct {
	Header schema.Tree
	Query  schema.Tree
	Body   schema.Tree
	Path   schema.Tree
}

// sections iterates the non-empty sections in a fixed order.
func (p ParameterSections) sections() []sectionSchema {
	out := make([]sectionSchema, 0, 4)
	if len(p.Header) > 0 {
		out = append(out, sectionSchema{SectionHeader, p.Header})
	}
	if len(p.Query) > 0 {
		out = append(out, sectionSchema{SectionQuery, p.Query})
	}
	if len(p.Body) > 0 {
		out = append(out, sectionSchema{SectionBody, p.Body})
	}
	if len(p.Path) > 0 {
		out = append(out, sectionSchema{SectionPath, p.Path})
	}
	return out
}

type sectionSchema struct {
	name string
	tree schema.Tree
}

// Request sections a parameter may come from.
const (
	SectionHeader = "header"
	SectionQuery  = "query"
	SectionBody   = "body"
	SectionPath   = "path"
)

// Precondition is one controller's declared contract for one logical method:
// parameter schemas plus expected response codes.
type Precondition struct {
	Parameters ParameterSections
	Responses  map[int][]string
}

// Controller bundles named handler functions with the preconditions they
// declare. The special handler name "all" is the catch-all used when a route
// requests a method the controller does not define.
type Controller struct {
	Name    string
	Version string

	Preconditions map[string]Precondition
	Handlers      map[string]gin.HandlerFunc
}

// CatchAllHandler is the fallback handler name.
const CatchAllHandler = "all"

// handlerFor resolves the handler for a logical method, falling back to the
// catch-all.
func (c *Controller) handlerFor(method string) (gin.HandlerFunc, bool) {
	if h, ok := c.Handlers[method]; ok {
		return h, true
	}
	h, ok := c.Handlers[CatchAllHandler]
	return h, ok
}

// key identifies a controller in the registry.
func (c *Controller) key() string { return c.Name + "@" + c.Version }
