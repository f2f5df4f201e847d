package router

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/cache"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/schema"
)

// RouteSet is one declared group of routes sharing a host, group, version,
// and path prefix.
type RouteSet struct {
	Group   string
	Version string
	Prefix  string
	Host    string
	Routes  []Route
}

// Route declares one path with its per-HTTP-verb methods.
type Route struct {
	Path      string
	RateLimit *RateLimitRule
	Methods   map[string]Method
}

// Method declares one HTTP verb on a route: the logical method name, the
// ordered controller chain, and metadata.
type Method struct {
	Name          string
	Controllers   []ControllerRef
	Authorization bool
	Deprecated    bool
	Description   string
	Responses     map[int][]string
	RateLimit     *RateLimitRule

	ErrorController string
	Docs            string
}

// Config wires the assembler's collaborators.
type Config struct {
	Engine  *gin.Engine
	Logger  *logging.Logger
	Cache   cache.Store
	Metrics *Metrics
	CORS    *CORSConfig
	Auth    *AuthConfig

	// GlobalRateLimit applies to every route without a more specific rule.
	GlobalRateLimit *RateLimitRule
}

// Assembler builds middleware chains from route declarations and registers
// them with the HTTP engine. All registration happens at startup; the
// resulting service table is read-only afterwards.
type Assembler struct {
	cfg Config
	log *logging.Logger

	controllers map[string]*Controller
	services    map[string]*RegisteredService
	identities  map[string]string
}

// New creates an assembler.
func New(cfg Config) *Assembler {
	return &Assembler{
		cfg:         cfg,
		log:         cfg.Logger.Component("router"),
		controllers: make(map[string]*Controller),
		services:    make(map[string]*RegisteredService),
		identities:  make(map[string]string),
	}
}

// RegisterController adds a controller to the registry. Registering the same
// name/version twice is a configuration fault.
func (a *Assembler) RegisterController(c *Controller) error {
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return apperr.Configf("controller requires a name")
	}
	if _, exists := a.controllers[c.key()]; exists {
		return apperr.Configf("controller %s registered twice", c.key())
	}
	a.controllers[c.key()] = c
	return nil
}

// Service returns the registered service for (host, verb, url).
func (a *Assembler) Service(host, verb, url string) (*RegisteredService, bool) {
	svc, ok := a.services[serviceKey(host, verb, url)]
	return svc, ok
}

// Services returns every registered service record.
func (a *Assembler) Services() []*RegisteredService {
	out := make([]*RegisteredService, 0, len(a.services))
	for _, svc := range a.services {
		out = append(out, svc)
	}
	return out
}

func (a *Assembler) lookupService(key string) (*RegisteredService, bool) {
	svc, ok := a.services[key]
	return svc, ok
}

// Assemble walks every route set and registers one middleware chain per
// (path, HTTP verb). All declaration faults — duplicate routes, precondition
// conflicts, bad rate limits, missing controllers or handlers — abort
// assembly with a configuration error; nothing is served from a bad
// declaration.
func (a *Assembler) Assemble(sets []RouteSet) error {
	if err := a.checkRateLimitPrerequisites(sets); err != nil {
		return err
	}
	for _, set := range sets {
		for _, route := range set.Routes {
			for verb, method := range route.Methods {
				if err := a.assembleOne(set, route, verb, method); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkRateLimitPrerequisites validates every declared rule and requires a
// cache store as soon as any limit exists anywhere.
func (a *Assembler) checkRateLimitPrerequisites(sets []RouteSet) error {
	anyLimit := a.cfg.GlobalRateLimit != nil
	if err := a.cfg.GlobalRateLimit.validate("global"); err != nil {
		return err
	}
	for _, set := range sets {
		for _, route := range set.Routes {
			if route.RateLimit != nil {
				anyLimit = true
				if err := route.RateLimit.validate(route.Path); err != nil {
					return err
				}
			}
			for verb, method := range route.Methods {
				if method.RateLimit != nil {
					anyLimit = true
					if err := method.RateLimit.validate(verb + " " + route.Path); err != nil {
						return err
					}
				}
			}
		}
	}
	if anyLimit && a.cfg.Cache == nil {
		return apperr.Configf("rate limits are declared but no cache store is configured")
	}
	return nil
}

func (a *Assembler) assembleOne(set RouteSet, route Route, verb string, method Method) error {
	url := joinURL(set.Prefix, route.Path)
	verb = strings.ToUpper(verb)

	key := serviceKey(set.Host, verb, url)
	if _, exists := a.services[key]; exists {
		return apperr.Configf("route %s %s registered twice", verb, url)
	}

	id := fmt.Sprintf("%s.%s.%s.%s", set.Group, set.Version, method.Name, verb)
	idKey := identityKey(set.Host, set.Prefix, id)
	if existing, exists := a.identities[idKey]; exists {
		return apperr.Configf("service identity %s already registered for %s", id, existing)
	}

	svc := &RegisteredService{
		HostID:          set.Host,
		Name:            method.Name,
		Group:           set.Group,
		Version:         set.Version,
		Modified:        time.Now().UTC(),
		RequestMethod:   verb,
		URL:             url,
		Prefix:          set.Prefix,
		Deprecated:      method.Deprecated,
		Method:          method.Name,
		Description:     method.Description,
		ID:              id,
		Authorization:   method.Authorization,
		Controllers:     method.Controllers,
		ErrorController: method.ErrorController,
		Docs:            method.Docs,
	}

	for _, ref := range method.Controllers {
		ctrl, ok := a.controllers[ref.Name+"@"+ref.Version]
		if !ok {
			return apperr.Configf("route %s %s: controller %s@%s is not registered",
				verb, url, ref.Name, ref.Version)
		}
		if _, ok := ctrl.handlerFor(method.Name); !ok {
			return apperr.Configf("route %s %s: method %s does not exist on controller %s@%s",
				verb, url, method.Name, ref.Name, ref.Version)
		}

		pre := ctrl.Preconditions[method.Name]
		svc.Preconditions = append(svc.Preconditions, ControllerPrecondition{
			Controller:   ref,
			Function:     method.Name,
			Precondition: pre,
		})
		if err := mergeParameters(&svc.Parameters, pre.Parameters, ref, svc); err != nil {
			return err
		}
	}

	responseAdds := make([]map[int][]string, 0, len(svc.Preconditions))
	for _, cp := range svc.Preconditions {
		if cp.Precondition.Responses != nil {
			responseAdds = append(responseAdds, cp.Precondition.Responses)
		}
	}
	svc.Responses = mergeResponses(method.Responses, responseAdds...)

	chain := a.buildChain(svc, route, method, key)
	a.cfg.Engine.Handle(verb, url, chain...)

	a.services[key] = svc
	a.identities[idKey] = url
	a.log.Info("route assembled", "verb", verb, "url", url, "controllers", len(method.Controllers))
	return nil
}

// buildChain produces the fixed middleware order: CORS, rate limit,
// authorization, precondition check, then per controller preload and handler,
// closed by the measurement tap.
func (a *Assembler) buildChain(svc *RegisteredService, route Route, method Method, key string) []gin.HandlerFunc {
	var chain []gin.HandlerFunc
	if a.cfg.Metrics != nil {
		chain = append(chain, a.cfg.Metrics.head())
	}
	if a.cfg.CORS != nil {
		chain = append(chain, corsMiddleware(a.cfg.CORS))
	}
	if rule := pickRateLimit(method.RateLimit, route.RateLimit, a.cfg.GlobalRateLimit); rule != nil {
		chain = append(chain, rateLimitMiddleware(rule, a.cfg.Cache, svc.ID, a.log))
	}
	if svc.Authorization && a.cfg.Auth != nil {
		chain = append(chain, authMiddleware(a.cfg.Auth))
	}
	chain = append(chain, preconditionMiddleware(a, key, a.log))

	ctrlHandlers := make([]gin.HandlerFunc, 0, len(svc.Controllers))
	for _, ref := range svc.Controllers {
		ctrl := a.controllers[ref.Name+"@"+ref.Version]
		handler, _ := ctrl.handlerFor(svc.Method)
		ctrlHandlers = append(ctrlHandlers, handler)
	}
	for _, handler := range ctrlHandlers {
		chain = append(chain, preloadMiddleware(), handler)
	}

	if a.cfg.Metrics != nil {
		chain = append(chain, a.cfg.Metrics.tail(svc.ID, svc.Method))
	}
	return chain
}

func pickRateLimit(rules ...*RateLimitRule) *RateLimitRule {
	for _, r := range rules {
		if r != nil {
			return r
		}
	}
	return nil
}

// mergeParameters folds one controller's declared parameters into the
// route's running merge. A parameter declared by two controllers with
// differing attributes is a configuration fault naming both controllers.
func mergeParameters(dst *ParameterSections, src ParameterSections, ref ControllerRef, svc *RegisteredService) error {
	merge := func(dstTree *schema.Tree, srcTree schema.Tree, section string) error {
		if len(srcTree) == 0 {
			return nil
		}
		if *dstTree == nil {
			*dstTree = schema.Tree{}
		}
		for name, node := range srcTree {
			existing, ok := (*dstTree)[name]
			if !ok {
				(*dstTree)[name] = node
				continue
			}
			if nodesConflict(existing, node) {
				return apperr.Configf(
					"route %s %s: %s parameter %q declared with conflicting attributes by controller %s@%s and an earlier controller",
					svc.RequestMethod, svc.URL, section, name, ref.Name, ref.Version)
			}
		}
		return nil
	}
	if err := merge(&dst.Header, src.Header, SectionHeader); err != nil {
		return err
	}
	if err := merge(&dst.Query, src.Query, SectionQuery); err != nil {
		return err
	}
	if err := merge(&dst.Body, src.Body, SectionBody); err != nil {
		return err
	}
	return merge(&dst.Path, src.Path, SectionPath)
}

// nodesConflict compares the declarative attributes of two schema nodes.
// The same node pointer never conflicts with itself; nodes carrying producer
// functions conflict unless they are that same pointer, since functions
// cannot be compared for equality.
func nodesConflict(a, b *schema.Node) bool {
	if a == b {
		return false
	}
	if a.Extend != nil || b.Extend != nil || a.Virtual != nil || b.Virtual != nil {
		return true
	}
	if _, ok := a.Default.(func() any); ok {
		return true
	}
	if _, ok := b.Default.(func() any); ok {
		return true
	}
	if a.Type != b.Type || a.SubType != b.SubType ||
		a.Required != b.Required || a.Nullable != b.Nullable ||
		a.Match != b.Match {
		return true
	}
	if !intPtrEqual(a.MinLength, b.MinLength) || !intPtrEqual(a.MaxLength, b.MaxLength) ||
		!floatPtrEqual(a.Min, b.Min) || !floatPtrEqual(a.Max, b.Max) {
		return true
	}
	if !reflect.DeepEqual(a.Allow, b.Allow) || !reflect.DeepEqual(a.Deny, b.Deny) ||
		!reflect.DeepEqual(a.Convert, b.Convert) || !reflect.DeepEqual(a.Default, b.Default) ||
		!reflect.DeepEqual(a.Public, b.Public) {
		return true
	}
	if len(a.Children) != len(b.Children) {
		return true
	}
	for name, child := range a.Children {
		other, ok := b.Children[name]
		if !ok || nodesConflict(child, other) {
			return true
		}
	}
	return false
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func joinURL(prefix, path string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return prefix + path
}
