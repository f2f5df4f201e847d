// Package main runs a sample apiforge server: declarative routes validated by
// controller preconditions, a document model layer, rate limiting, and
// distributed cron jobs coordinated through the shared store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/apiforge/apiforge/internal/app"
	"github.com/apiforge/apiforge/internal/cache"
	cacheredis "github.com/apiforge/apiforge/internal/cache/redis"
	"github.com/apiforge/apiforge/internal/config"
	"github.com/apiforge/apiforge/internal/cron"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/model"
	"github.com/apiforge/apiforge/internal/router"
	"github.com/apiforge/apiforge/internal/schema"
	"github.com/apiforge/apiforge/internal/storage"
	"github.com/apiforge/apiforge/internal/storage/memory"
	"github.com/apiforge/apiforge/internal/storage/mongodb"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(os.Stderr, cfg.GetString("logging.level", "info"))
	log = log.Component("apiforge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := openDatabase(ctx, cfg, log)
	if err != nil {
		log.Fatal("open database", err)
	}
	defer closeDB()

	a, err := app.New(cfg, log, db)
	if err != nil {
		log.Fatal("build application context", err)
	}

	store, err := openCache(ctx, cfg)
	if err != nil {
		log.Fatal("open cache", err)
	}
	a.SetCache(store)

	users, err := a.RegisterModel(userDefinition())
	if err != nil {
		log.Fatal("register user model", err)
	}
	if err := a.EnsureAllIndexes(ctx, true); err != nil {
		log.Fatal("ensure indexes", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	registry := prometheus.NewRegistry()
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	asm := router.New(router.Config{
		Engine:  engine,
		Logger:  log,
		Cache:   store,
		Metrics: router.NewMetrics(registry),
		CORS:    &router.CORSConfig{AllowedOrigins: []string{cfg.GetString("server.corsOrigin", "*")}},
		Auth:    &router.AuthConfig{Secret: []byte(cfg.GetString("server.jwtSecret", "dev-secret"))},
		GlobalRateLimit: &router.RateLimitRule{
			Interval:    cfg.GetDuration("server.rateLimit.interval", time.Minute),
			MaxRequests: int64(cfg.GetInt("server.rateLimit.maxRequests", 600)),
		},
	})
	if err := asm.RegisterController(userController(users, log)); err != nil {
		log.Fatal("register controller", err)
	}
	if err := asm.Assemble(userRoutes()); err != nil {
		log.Fatal("assemble routes", err)
	}
	a.SetAssembler(asm)

	if cfg.GetBool("cron.enabled", true) {
		manager, err := buildCron(ctx, a, users, log)
		if err != nil {
			log.Fatal("start cron", err)
		}
		a.SetCronManager(manager)
		defer manager.Stop()
	}

	addr := fmt.Sprintf(":%d", cfg.GetInt("server.port", 8080))
	srv := &http.Server{Addr: addr, Handler: engine}
	go func() {
		log.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("serve", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", err)
	}
}

// openDatabase selects the storage backend from config: "mongodb" dials the
// configured URI, anything else runs the in-process engine.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (storage.Database, func(), error) {
	if cfg.GetString("database.driver", "memory") != "mongodb" {
		log.Info("using in-process document store")
		return memory.NewDatabase(), func() {}, nil
	}
	uri := cfg.GetString("database.uri", "mongodb://localhost:27017")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, err
	}
	name := cfg.GetString("database.name", "apiforge")
	closer := func() {
		_ = client.Disconnect(context.Background())
	}
	return mongodb.NewDatabase(client.Database(name)), closer, nil
}

// openCache selects the cache backend: "redis" dials the configured address,
// anything else uses the in-process store.
func openCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	if cfg.GetString("cache.driver", "memory") != "redis" {
		return cache.NewMemory(), nil
	}
	return cacheredis.Dial(ctx,
		cfg.GetString("cache.addr", "localhost:6379"),
		cfg.GetString("cache.password", ""),
		cfg.GetInt("cache.db", 0),
	)
}

// userDefinition is the sample model: a sharded user collection with a text
// index and a uniquely indexed email.
func userDefinition() model.Definition {
	return model.Definition{
		Name:           "user",
		Version:        "1.0.0",
		CollectionName: "users",
		ShardKey:       map[string]int{"tenantId": 1},
		Schema: schema.Tree{
			"tenantId": {Type: schema.TypeString, Required: true},
			"email":    {Type: schema.TypeString, Required: true, Unique: true, Convert: []string{schema.ConvertLower, schema.ConvertTrim}},
			"name":     {Type: schema.TypeString, Required: true, MinLength: schema.Ptr(1), MaxLength: schema.Ptr(120), Text: true},
			"status":   {Type: schema.TypeString, Default: "active", Allow: []any{"active", "inactive"}},
			"age":      {Type: schema.TypeNumber, Min: schema.Ptr(0.0), Max: schema.Ptr(150.0)},
			"createdAt": {
				Type:    schema.TypeDate,
				Default: func() any { return time.Now().UTC() },
				Public:  &schema.Public{Set: false, Get: true},
			},
		},
	}
}

// userController declares the sample route contract and handlers.
func userController(users *model.Model, log *logging.Logger) *router.Controller {
	return &router.Controller{
		Name:    "user",
		Version: "1.0.0",
		Preconditions: map[string]router.Precondition{
			"create": {
				Parameters: router.ParameterSections{
					Header: schema.Tree{
						"x-tenant-id": {Type: schema.TypeString, Required: true},
					},
					Body: schema.Tree{
						"email": {Type: schema.TypeString, Required: true, Match: `^\S+@\S+$`},
						"name":  {Type: schema.TypeString, Required: true},
						"age":   {Type: schema.TypeNumber},
					},
				},
				Responses: map[int][]string{201: {"user created"}},
			},
			"get": {
				Parameters: router.ParameterSections{
					Header: schema.Tree{
						"x-tenant-id": {Type: schema.TypeString, Required: true},
					},
					Path: schema.Tree{
						"email": {Type: schema.TypeString, Required: true},
					},
				},
			},
		},
		Handlers: map[string]gin.HandlerFunc{
			"create": func(c *gin.Context) {
				params, _ := router.ParamsOf(c)
				doc := storage.M{"tenantId": params.Data.Header["x-tenant-id"]}
				for k, v := range params.Data.Body {
					doc[k] = v
				}
				validated, err := users.Validate(doc, model.ValidateOptions{})
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"status": 400, "errors": err.Error()})
					return
				}
				id, err := users.InsertOne(c.Request.Context(), validated)
				if err != nil {
					log.Error("insert user", err)
					c.JSON(http.StatusInternalServerError, gin.H{"status": 500})
					return
				}
				c.JSON(http.StatusCreated, gin.H{"id": id})
			},
			"get": func(c *gin.Context) {
				params, _ := router.ParamsOf(c)
				doc, err := users.FindOne(c.Request.Context(), storage.M{
					"tenantId": params.Data.Header["x-tenant-id"],
					"email":    params.Data.Path["email"],
				})
				if err != nil {
					c.JSON(http.StatusNotFound, gin.H{"status": 404})
					return
				}
				c.JSON(http.StatusOK, doc)
			},
		},
	}
}

func userRoutes() []router.RouteSet {
	return []router.RouteSet{{
		Group:   "users",
		Version: "1.0.0",
		Prefix:  "/api",
		Host:    "main",
		Routes: []router.Route{
			{
				Path: "/users",
				Methods: map[string]router.Method{
					"POST": {
						Name:        "create",
						Controllers: []router.ControllerRef{{Name: "user", Version: "1.0.0"}},
						Description: "Create a user",
					},
				},
			},
			{
				Path: "/users/:email",
				Methods: map[string]router.Method{
					"GET": {
						Name:        "get",
						Controllers: []router.ControllerRef{{Name: "user", Version: "1.0.0"}},
						Description: "Fetch a user by email",
					},
				},
			},
		},
	}}
}

// buildCron wires the coordinator models and a sample housekeeping job, then
// starts the manager loop.
func buildCron(ctx context.Context, a *app.App, users *model.Model, log *logging.Logger) (*cron.Manager, error) {
	executions, err := a.RegisterModel(cron.ExecutionDefinition())
	if err != nil {
		return nil, err
	}
	heartbeats, err := a.RegisterModel(cron.HeartbeatDefinition())
	if err != nil {
		return nil, err
	}
	coord := cron.NewCoordinator(executions, heartbeats, log)

	hostName, _ := os.Hostname()
	interval := a.Config().GetDuration("cron.heartbeatInterval", 30*time.Second)
	manager := cron.NewManager(coord, hostName, interval, log)

	preset, err := cron.ParsePresetConfig(map[string]any{
		"second":                     []any{"0"},
		"minute":                     []any{"*/5"},
		"maxInstanceNumberPerServer": 1,
		"maxInstanceNumberTotal":     1,
	})
	if err != nil {
		return nil, err
	}
	environment := a.Config().GetString("environment", "production")
	job := cron.NewJob("user-stats", hostName, environment, preset, func(ctx context.Context) error {
		n, err := users.Count(ctx, storage.M{}, model.IgnoreShardKey())
		if err != nil {
			return err
		}
		log.Info("user count", "count", n)
		return nil
	}, coord, log)
	job.OnServerDeleted = cron.ReRegisterPolicy(coord, hostName)
	manager.AddJob(job)

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}
