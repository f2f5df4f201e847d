package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge/internal/cache"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/schema"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAssembler(t *testing.T, mutate func(*Config)) (*Assembler, *gin.Engine) {
	t.Helper()
	engine := gin.New()
	cfg := Config{
		Engine: engine,
		Logger: logging.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), engine
}

func okHandler(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.Writer.Written() {
			c.JSON(http.StatusOK, gin.H{"handled": name})
		}
	}
}

func simpleController(name string, params ParameterSections) *Controller {
	return &Controller{
		Name:    name,
		Version: "1.0.0",
		Preconditions: map[string]Precondition{
			"get": {Parameters: params},
		},
		Handlers: map[string]gin.HandlerFunc{
			"get": okHandler(name),
		},
	}
}

func oneRoute(path string, refs ...ControllerRef) []RouteSet {
	return []RouteSet{{
		Group:   "users",
		Version: "1.0.0",
		Prefix:  "/api",
		Host:    "main",
		Routes: []Route{{
			Path: path,
			Methods: map[string]Method{
				"GET": {Name: "get", Controllers: refs},
			},
		}},
	}}
}

func TestAssembleAndServe(t *testing.T) {
	a, engine := newTestAssembler(t, nil)

	var seen ValidatedParams
	ctrl := simpleController("user", ParameterSections{
		Query: schema.Tree{
			"limit": {Type: schema.TypeNumber, Default: 10.0},
		},
	})
	ctrl.Handlers["get"] = func(c *gin.Context) {
		seen, _ = ParamsOf(c)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
	if err := a.RegisterController(ctrl); err != nil {
		t.Fatalf("RegisterController: %v", err)
	}
	if err := a.Assemble(oneRoute("/users", ControllerRef{Name: "user", Version: "1.0.0"})); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users?limit=25", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if seen.ControllerName != "user" || seen.Function != "get" {
		t.Errorf("validated params identify %s/%s, want user/get", seen.ControllerName, seen.Function)
	}
	if got := seen.Data.Query["limit"]; got != float64(25) {
		t.Errorf("limit = %v (%T), want coerced 25", got, got)
	}

	svc, ok := a.Service("main", "GET", "/api/users")
	if !ok {
		t.Fatal("service not queryable after assembly")
	}
	if svc.ID != "users.1.0.0.get.GET" {
		t.Errorf("service ID = %q", svc.ID)
	}
	if svc.Responses[400] == nil {
		t.Error("default responses not merged in")
	}
}

func TestAssembleDuplicateRoute(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	ctrl := simpleController("user", ParameterSections{})
	if err := a.RegisterController(ctrl); err != nil {
		t.Fatal(err)
	}
	ref := ControllerRef{Name: "user", Version: "1.0.0"}

	sets := oneRoute("/users", ref)
	if err := a.Assemble(sets); err != nil {
		t.Fatalf("first Assemble: %v", err)
	}
	err := a.Assemble(sets)
	if err == nil {
		t.Fatal("duplicate (path, verb) accepted")
	}
	if !strings.Contains(err.Error(), "registered twice") {
		t.Errorf("error = %v", err)
	}
}

func TestAssembleDuplicateIdentity(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	if err := a.RegisterController(simpleController("user", ParameterSections{})); err != nil {
		t.Fatal(err)
	}
	ref := ControllerRef{Name: "user", Version: "1.0.0"}

	// Two different paths producing the same (host, prefix, identity).
	sets := oneRoute("/users", ref)
	sets[0].Routes = append(sets[0].Routes, Route{
		Path: "/people",
		Methods: map[string]Method{
			"GET": {Name: "get", Controllers: []ControllerRef{ref}},
		},
	})
	err := a.Assemble(sets)
	if err == nil {
		t.Fatal("duplicate service identity accepted")
	}
	if !strings.Contains(err.Error(), "identity") {
		t.Errorf("error = %v", err)
	}
}

func TestAssembleMissingController(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	err := a.Assemble(oneRoute("/users", ControllerRef{Name: "ghost", Version: "1.0.0"}))
	if err == nil {
		t.Fatal("unregistered controller accepted")
	}
	if !strings.Contains(err.Error(), "not registered") {
		t.Errorf("error = %v", err)
	}
}

func TestAssembleMissingMethodFallsBackToCatchAll(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	ctrl := &Controller{
		Name:    "audit",
		Version: "1.0.0",
		Handlers: map[string]gin.HandlerFunc{
			CatchAllHandler: okHandler("audit"),
		},
	}
	if err := a.RegisterController(ctrl); err != nil {
		t.Fatal(err)
	}
	if err := a.Assemble(oneRoute("/users", ControllerRef{Name: "audit", Version: "1.0.0"})); err != nil {
		t.Fatalf("catch-all fallback rejected: %v", err)
	}
}

func TestAssembleMissingMethodNoCatchAll(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	ctrl := &Controller{
		Name:     "strict",
		Version:  "1.0.0",
		Handlers: map[string]gin.HandlerFunc{"post": okHandler("strict")},
	}
	if err := a.RegisterController(ctrl); err != nil {
		t.Fatal(err)
	}
	err := a.Assemble(oneRoute("/users", ControllerRef{Name: "strict", Version: "1.0.0"}))
	if err == nil {
		t.Fatal("missing method without catch-all accepted")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error = %v", err)
	}
}

func TestRegisterControllerTwice(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	if err := a.RegisterController(simpleController("user", ParameterSections{})); err != nil {
		t.Fatal(err)
	}
	if err := a.RegisterController(simpleController("user", ParameterSections{})); err == nil {
		t.Fatal("duplicate controller registration accepted")
	}
}

func TestParameterMergeConflict(t *testing.T) {
	a, _ := newTestAssembler(t, nil)

	first := simpleController("first", ParameterSections{
		Query: schema.Tree{"page": {Type: schema.TypeNumber, Required: true}},
	})
	second := simpleController("second", ParameterSections{
		Query: schema.Tree{"page": {Type: schema.TypeNumber, Required: false}},
	})
	if err := a.RegisterController(first); err != nil {
		t.Fatal(err)
	}
	if err := a.RegisterController(second); err != nil {
		t.Fatal(err)
	}

	err := a.Assemble(oneRoute("/users",
		ControllerRef{Name: "first", Version: "1.0.0"},
		ControllerRef{Name: "second", Version: "1.0.0"},
	))
	if err == nil {
		t.Fatal("conflicting parameter declarations accepted")
	}
	if !strings.Contains(err.Error(), "page") || !strings.Contains(err.Error(), "second") {
		t.Errorf("error should name the parameter and the offending controller: %v", err)
	}
}

func TestParameterMergeIdenticalDeclarations(t *testing.T) {
	a, _ := newTestAssembler(t, nil)

	first := simpleController("first", ParameterSections{
		Query: schema.Tree{"page": {Type: schema.TypeNumber, Min: schema.Ptr(1.0)}},
	})
	second := simpleController("second", ParameterSections{
		Query: schema.Tree{"page": {Type: schema.TypeNumber, Min: schema.Ptr(1.0)}},
	})
	if err := a.RegisterController(first); err != nil {
		t.Fatal(err)
	}
	if err := a.RegisterController(second); err != nil {
		t.Fatal(err)
	}

	err := a.Assemble(oneRoute("/users",
		ControllerRef{Name: "first", Version: "1.0.0"},
		ControllerRef{Name: "second", Version: "1.0.0"},
	))
	if err != nil {
		t.Fatalf("identical declarations must merge cleanly: %v", err)
	}
}

func TestPreconditionRejectsWithAggregatedErrors(t *testing.T) {
	a, engine := newTestAssembler(t, nil)

	// Both controllers require the same query field: the failure must be
	// reported once, not per controller.
	params := ParameterSections{
		Query: schema.Tree{"id": {Type: schema.TypeString, Required: true}},
	}
	if err := a.RegisterController(simpleController("first", params)); err != nil {
		t.Fatal(err)
	}
	if err := a.RegisterController(simpleController("second", params)); err != nil {
		t.Fatal(err)
	}
	if err := a.Assemble(oneRoute("/users",
		ControllerRef{Name: "first", Version: "1.0.0"},
		ControllerRef{Name: "second", Version: "1.0.0"},
	)); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Status int `json:"status"`
		Errors []struct {
			Code string `json:"code"`
			ID   string `json:"id"`
			In   string `json:"in"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(body.Errors) != 1 {
		t.Fatalf("errors = %+v, want single deduplicated entry", body.Errors)
	}
	if body.Errors[0].Code != "MissingRequiredParameter" || body.Errors[0].In != SectionQuery {
		t.Errorf("error = %+v", body.Errors[0])
	}
}

func TestPreloadExposesControllersInOrder(t *testing.T) {
	a, engine := newTestAssembler(t, nil)

	var order []string
	recording := func(name string) *Controller {
		ctrl := simpleController(name, ParameterSections{})
		ctrl.Handlers["get"] = func(c *gin.Context) {
			params, ok := ParamsOf(c)
			if !ok {
				t.Errorf("controller %s saw no validated params", name)
				return
			}
			order = append(order, params.ControllerName)
		}
		return ctrl
	}
	if err := a.RegisterController(recording("alpha")); err != nil {
		t.Fatal(err)
	}
	if err := a.RegisterController(recording("beta")); err != nil {
		t.Fatal(err)
	}
	if err := a.Assemble(oneRoute("/users",
		ControllerRef{Name: "alpha", Version: "1.0.0"},
		ControllerRef{Name: "beta", Version: "1.0.0"},
	)); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	if len(order) != 2 || order[0] != "alpha" || order[1] != "beta" {
		t.Errorf("controller order = %v, want [alpha beta]", order)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	store := cache.NewMemory()
	a, engine := newTestAssembler(t, func(cfg *Config) {
		cfg.Cache = store
		cfg.GlobalRateLimit = &RateLimitRule{Interval: time.Minute, MaxRequests: 2}
	})
	if err := a.RegisterController(simpleController("user", ParameterSections{})); err != nil {
		t.Fatal(err)
	}
	if err := a.Assemble(oneRoute("/users", ControllerRef{Name: "user", Version: "1.0.0"})); err != nil {
		t.Fatal(err)
	}

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
		statuses = append(statuses, w.Code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, s := range statuses {
		if s != want[i] {
			t.Errorf("request %d: status = %d, want %d", i, s, want[i])
		}
	}
}

func TestRateLimitRequiresCacheStore(t *testing.T) {
	a, _ := newTestAssembler(t, func(cfg *Config) {
		cfg.GlobalRateLimit = &RateLimitRule{Interval: time.Minute, MaxRequests: 10}
	})
	if err := a.RegisterController(simpleController("user", ParameterSections{})); err != nil {
		t.Fatal(err)
	}
	err := a.Assemble(oneRoute("/users", ControllerRef{Name: "user", Version: "1.0.0"}))
	if err == nil {
		t.Fatal("rate limit without cache store accepted")
	}
	if !strings.Contains(err.Error(), "cache") {
		t.Errorf("error = %v", err)
	}
}

func TestRateLimitRuleValidation(t *testing.T) {
	cases := []struct {
		name string
		rule RateLimitRule
	}{
		{"zero interval", RateLimitRule{Interval: 0, MaxRequests: 5}},
		{"negative max", RateLimitRule{Interval: time.Second, MaxRequests: -1}},
		{"zero max", RateLimitRule{Interval: time.Second, MaxRequests: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rule.validate("test"); err == nil {
				t.Error("invalid rule accepted")
			}
		})
	}
}

func TestAuthorizationRequired(t *testing.T) {
	a, engine := newTestAssembler(t, func(cfg *Config) {
		cfg.Auth = &AuthConfig{Secret: []byte("test-secret")}
	})
	if err := a.RegisterController(simpleController("user", ParameterSections{})); err != nil {
		t.Fatal(err)
	}
	sets := oneRoute("/users", ControllerRef{Name: "user", Version: "1.0.0"})
	method := sets[0].Routes[0].Methods["GET"]
	method.Authorization = true
	sets[0].Routes[0].Methods["GET"] = method
	if err := a.Assemble(sets); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status with garbage token = %d, want 401", w.Code)
	}
}

func TestMergeResponsesDedupes(t *testing.T) {
	merged := mergeResponses(
		map[int][]string{200: {"user found"}},
		map[int][]string{200: {"user found", "profile found"}, 404: {"no such user"}},
	)
	if got := merged[200]; len(got) != 3 {
		t.Errorf("200 responses = %v, want default plus two unique", got)
	}
	if got := merged[404]; len(got) != 2 {
		t.Errorf("404 responses = %v", got)
	}
	if merged[500] == nil {
		t.Error("default 500 entry missing")
	}
}
