package router

import (
	"time"
)

// ControllerRef names one controller taking part in a route method.
type ControllerRef struct {
	Name    string
	Version string
}

// RegisteredService is the assembled, queryable record of one concrete
// route's contract: the merged precondition schema, the ordered controller
// list, and response metadata. Built once at assembly time, read-only after.
type RegisteredService struct {
	HostID        string
	Name          string
	Group         string
	Version       string
	Modified      time.Time
	RequestMethod string // HTTP verb
	URL           string
	Prefix        string
	Deprecated    bool
	Method        string // logical method name invoked on the controllers
	Description   string
	ID            string
	Authorization bool

	// Preconditions holds, per controller position, the contract that
	// controller declared for Method.
	Preconditions []ControllerPrecondition

	// Responses maps status codes to deduplicated descriptions: the default
	// set merged with every declared addition.
	Responses map[int][]string

	// Parameters is the conflict-checked merge of every controller's
	// declared parameter schemas.
	Parameters ParameterSections

	Controllers     []ControllerRef
	ErrorController string
	Docs            string
}

// ControllerPrecondition pairs a controller reference with its declared
// precondition for the route's method.
type ControllerPrecondition struct {
	Controller   ControllerRef
	Function     string
	Precondition Precondition
}

// serviceKey identifies a service by (host, verb, url).
func serviceKey(host, verb, url string) string {
	return host + "|" + verb + "|" + url
}

// identityKey identifies a service by (host, prefix, identity); two
// registrations sharing it are a configuration fault even when their URLs
// differ.
func identityKey(host, prefix, id string) string {
	return host + "|" + prefix + "|" + id
}
