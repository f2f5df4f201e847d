package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/schema"
	"github.com/apiforge/apiforge/internal/storage"
)

// ErrJobStopped is the sentinel a worker run returns when the stop flag was
// observed. Dispatchers treat it as "stop, not failure".
var ErrJobStopped = errors.New("job stop flag observed")

// JobConfig is the effective per-job configuration: schedule fields,
// concurrency caps, allow-lists, and operational flags. Sourced from a static
// preset merged with the live db override (db wins).
type JobConfig struct {
	Second     []string
	Minute     []string
	Hour       []string
	DayOfMonth []string
	Month      []string
	DayOfWeek  []string
	Timezone   string

	MaxInstanceNumberPerServer int
	MaxInstanceNumberTotal     int

	HostsAllowed        []string
	EnvironmentsAllowed []string

	IsSuspended bool
	ForceRun    bool
	StopJob     bool
	DebugOutput bool
}

// cronSpec renders the six schedule fields into a parseable expression. An
// empty field means "every".
func (c JobConfig) cronSpec() string {
	field := func(vals []string) string {
		if len(vals) == 0 {
			return "*"
		}
		return strings.Join(vals, ",")
	}
	return strings.Join([]string{
		field(c.Second),
		field(c.Minute),
		field(c.Hour),
		field(c.DayOfMonth),
		field(c.Month),
		field(c.DayOfWeek),
	}, " ")
}

// location resolves the configured timezone, defaulting to local time.
func (c JobConfig) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// scheduleEquals reports whether two configs agree on every schedule-relevant
// field. Array fields compare element-wise in order.
func (c JobConfig) scheduleEquals(o JobConfig) bool {
	return c.IsSuspended == o.IsSuspended &&
		c.ForceRun == o.ForceRun &&
		c.StopJob == o.StopJob &&
		c.DebugOutput == o.DebugOutput &&
		c.Timezone == o.Timezone &&
		c.MaxInstanceNumberPerServer == o.MaxInstanceNumberPerServer &&
		c.MaxInstanceNumberTotal == o.MaxInstanceNumberTotal &&
		stringsEqual(c.Second, o.Second) &&
		stringsEqual(c.Minute, o.Minute) &&
		stringsEqual(c.Hour, o.Hour) &&
		stringsEqual(c.DayOfMonth, o.DayOfMonth) &&
		stringsEqual(c.Month, o.Month) &&
		stringsEqual(c.DayOfWeek, o.DayOfWeek) &&
		stringsEqual(c.HostsAllowed, o.HostsAllowed) &&
		stringsEqual(c.EnvironmentsAllowed, o.EnvironmentsAllowed)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// snapshot renders the config as the execution document's field set.
func (c JobConfig) snapshot() storage.M {
	return storage.M{
		"second":                     toAny(c.Second),
		"minute":                     toAny(c.Minute),
		"hour":                       toAny(c.Hour),
		"dayOfMonth":                 toAny(c.DayOfMonth),
		"month":                      toAny(c.Month),
		"dayOfWeek":                  toAny(c.DayOfWeek),
		"timezone":                   c.Timezone,
		"maxInstanceNumberPerServer": c.MaxInstanceNumberPerServer,
		"maxInstanceNumberTotal":     c.MaxInstanceNumberTotal,
		"hostsAllowed":               toAny(c.HostsAllowed),
		"environmentsAllowed":        toAny(c.EnvironmentsAllowed),
		"isSuspended":                c.IsSuspended,
		"forceRun":                   c.ForceRun,
		"stopJob":                    c.StopJob,
		"debugOutput":                c.DebugOutput,
	}
}

func toAny(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// configSchema validates raw config input, whether a static preset or the db
// override.
func configSchema() schema.Tree {
	return schema.Tree{
		"second":                     {Type: schema.TypeArray, SubType: schema.TypeString},
		"minute":                     {Type: schema.TypeArray, SubType: schema.TypeString},
		"hour":                       {Type: schema.TypeArray, SubType: schema.TypeString},
		"dayOfMonth":                 {Type: schema.TypeArray, SubType: schema.TypeString},
		"month":                      {Type: schema.TypeArray, SubType: schema.TypeString},
		"dayOfWeek":                  {Type: schema.TypeArray, SubType: schema.TypeString},
		"timezone":                   {Type: schema.TypeString},
		"maxInstanceNumberPerServer": {Type: schema.TypeNumber, Min: schema.Ptr(0.0)},
		"maxInstanceNumberTotal":     {Type: schema.TypeNumber, Min: schema.Ptr(0.0)},
		"hostsAllowed":               {Type: schema.TypeArray, SubType: schema.TypeString},
		"environmentsAllowed":        {Type: schema.TypeArray, SubType: schema.TypeString},
		"isSuspended":                {Type: schema.TypeBoolean},
		"forceRun":                   {Type: schema.TypeBoolean},
		"stopJob":                    {Type: schema.TypeBoolean},
		"debugOutput":                {Type: schema.TypeBoolean},
	}
}

// ParsePresetConfig validates and decodes a raw preset into a JobConfig. The
// schedule expression is parsed eagerly so a bad preset fails at startup, not
// on the first tick.
func ParsePresetConfig(raw map[string]any) (JobConfig, error) {
	validated, err := schema.Validate(raw, configSchema(), schema.Options{Partial: true})
	if err != nil {
		return JobConfig{}, err
	}
	cfg := decodeConfig(validated, JobConfig{})
	if _, err := cronParser.Parse(cfg.cronSpec()); err != nil {
		return JobConfig{}, apperr.Configf("invalid schedule %q: %v", cfg.cronSpec(), err)
	}
	if _, err := cfg.location(); err != nil {
		return JobConfig{}, apperr.Configf("invalid timezone %q: %v", cfg.Timezone, err)
	}
	return cfg, nil
}

// decodeConfig overlays the validated fields present in values onto base.
func decodeConfig(values map[string]any, base JobConfig) JobConfig {
	out := base
	strSlice := func(key string, dst *[]string) {
		v, ok := values[key]
		if !ok {
			return
		}
		arr, ok := v.([]any)
		if !ok {
			return
		}
		ss := make([]string, 0, len(arr))
		for _, el := range arr {
			if s, ok := el.(string); ok {
				ss = append(ss, s)
			}
		}
		*dst = ss
	}
	strSlice("second", &out.Second)
	strSlice("minute", &out.Minute)
	strSlice("hour", &out.Hour)
	strSlice("dayOfMonth", &out.DayOfMonth)
	strSlice("month", &out.Month)
	strSlice("dayOfWeek", &out.DayOfWeek)
	strSlice("hostsAllowed", &out.HostsAllowed)
	strSlice("environmentsAllowed", &out.EnvironmentsAllowed)
	if v, ok := values["timezone"].(string); ok {
		out.Timezone = v
	}
	if v, ok := values["maxInstanceNumberPerServer"].(float64); ok {
		out.MaxInstanceNumberPerServer = int(v)
	}
	if v, ok := values["maxInstanceNumberTotal"].(float64); ok {
		out.MaxInstanceNumberTotal = int(v)
	}
	if v, ok := values["isSuspended"].(bool); ok {
		out.IsSuspended = v
	}
	if v, ok := values["forceRun"].(bool); ok {
		out.ForceRun = v
	}
	if v, ok := values["stopJob"].(bool); ok {
		out.StopJob = v
	}
	if v, ok := values["debugOutput"].(bool); ok {
		out.DebugOutput = v
	}
	return out
}

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ServerDeletedPolicy decides what a job does when its coordinating server
// entry disappeared. It returns the replacement server id, or ok=false to
// skip the run.
type ServerDeletedPolicy func(ctx context.Context, j *Job) (serverID string, ok bool)

// ReRegisterPolicy silently re-registers and adopts the new id. Used by the
// coordinator's own housekeeping job.
func ReRegisterPolicy(coord *Coordinator, hostName string) ServerDeletedPolicy {
	return func(ctx context.Context, j *Job) (string, bool) {
		id, err := coord.RegisterNewServer(ctx, hostName, 0)
		if err != nil {
			return "", false
		}
		return id, true
	}
}

// Job is one scheduled job definition bound to the coordinator: it owns the
// local timer, the effective config, and the worker wrapper enforcing the
// start/stop protocol around the body.
type Job struct {
	name        string
	hostID      string
	environment string
	body        func(ctx context.Context) error
	coord       *Coordinator
	log         *logging.Logger

	// OnServerDeleted is consulted when the server entry vanished. Nil means
	// log once and skip runs until the id is propagated externally.
	OnServerDeleted ServerDeletedPolicy

	mu          sync.Mutex
	preset      JobConfig
	current     JobConfig
	serverID    string
	runner      *cron.Cron
	running     bool
	initialized bool
	deletedOnce sync.Once

	// alignStop schedules the deferred stop call. Replaced in tests.
	alignStop func(delay time.Duration, f func())
}

// NewJob creates a job definition. The preset must come from
// ParsePresetConfig; the body is the actual work.
func NewJob(name, hostID, environment string, preset JobConfig, body func(ctx context.Context) error, coord *Coordinator, log *logging.Logger) *Job {
	return &Job{
		name:        name,
		hostID:      hostID,
		environment: environment,
		body:        body,
		coord:       coord,
		preset:      preset,
		current:     preset,
		log:         log.Component("cron.job." + name),
		alignStop: func(delay time.Duration, f func()) {
			time.AfterFunc(delay, f)
		},
	}
}

// Name returns the job type name.
func (j *Job) Name() string { return j.name }

// ServerID returns the coordinating server id currently in use.
func (j *Job) ServerID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.serverID
}

// SetServerID propagates a re-registered server id to this job.
func (j *Job) SetServerID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.serverID = id
}

// Config returns the effective config.
func (j *Job) Config() JobConfig {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}

// IsRunning reports whether a worker body is executing locally right now.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// InitializeJob registers the execution entry, loads the live config
// override, and starts the schedule.
func (j *Job) InitializeJob(ctx context.Context, serverID string) error {
	j.SetServerID(serverID)
	if err := j.coord.EnsureJobEntry(ctx, j.name, j.preset.snapshot()); err != nil {
		return err
	}
	cfg := j.loadEffectiveConfig(ctx)
	j.mu.Lock()
	j.current = cfg
	j.initialized = true
	j.mu.Unlock()
	if err := j.applySchedule(cfg); err != nil {
		return err
	}
	j.maybeForceRun(false, cfg)
	return nil
}

// UpdateJob re-reads the db override and reschedules when any
// schedule-relevant field changed. Runs at heartbeat cadence.
func (j *Job) UpdateJob(ctx context.Context) error {
	j.mu.Lock()
	if !j.initialized {
		j.mu.Unlock()
		return nil
	}
	previous := j.current
	j.mu.Unlock()

	cfg := j.loadEffectiveConfig(ctx)
	if cfg.scheduleEquals(previous) {
		return nil
	}
	j.mu.Lock()
	j.current = cfg
	j.mu.Unlock()
	j.log.Info("job config changed, rescheduling",
		"spec", cfg.cronSpec(), "suspended", cfg.IsSuspended)
	if err := j.applySchedule(cfg); err != nil {
		return err
	}
	j.maybeForceRun(previous.ForceRun, cfg)
	return nil
}

// maybeForceRun fires one execution outside the schedule when the force-run
// flag transitions to set. StopJob resets the db flag when the run finishes,
// so the flag is consumed by exactly one execution. The usual start caps
// still apply.
func (j *Job) maybeForceRun(prevForce bool, cfg JobConfig) {
	if !cfg.ForceRun || prevForce || cfg.IsSuspended {
		return
	}
	j.log.Info("force-run flag set, executing outside schedule")
	go j.tick()
}

// loadEffectiveConfig merges the db override over the preset. An invalid db
// config keeps the preset and logs the error, never corrupting the live
// schedule.
func (j *Job) loadEffectiveConfig(ctx context.Context) JobConfig {
	doc, err := j.coord.JobEntry(ctx, j.name)
	if err != nil {
		j.log.Error("reading job entry, keeping preset", err)
		return j.preset
	}
	validated, err := schema.Validate(map[string]any(doc), configSchema(), schema.Options{Partial: true})
	if err != nil {
		j.log.Error("db job config invalid, keeping preset", err)
		return j.preset
	}
	cfg := decodeConfig(validated, j.preset)
	if _, err := cronParser.Parse(cfg.cronSpec()); err != nil {
		j.log.Error("db schedule unparseable, keeping preset", err, "spec", cfg.cronSpec())
		return j.preset
	}
	return cfg
}

// applySchedule stops the current timer and, unless suspended, starts a new
// one for the config's schedule.
func (j *Job) applySchedule(cfg JobConfig) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.runner != nil {
		j.runner.Stop()
		j.runner = nil
	}
	if cfg.IsSuspended {
		return nil
	}
	loc, err := cfg.location()
	if err != nil {
		return apperr.Configf("job %s: invalid timezone %q: %v", j.name, cfg.Timezone, err)
	}
	runner := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	if _, err := runner.AddFunc(cfg.cronSpec(), j.tick); err != nil {
		return apperr.Configf("job %s: invalid schedule %q: %v", j.name, cfg.cronSpec(), err)
	}
	runner.Start()
	j.runner = runner
	return nil
}

// Stop halts the schedule. Terminal: used at process shutdown.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.runner != nil {
		j.runner.Stop()
		j.runner = nil
	}
}

// tick is the timer callback. Coordination failures are logged and retried on
// the next tick; the stop sentinel is stop, not failure.
func (j *Job) tick() {
	err := j.runOnce(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrJobStopped):
		j.log.Info("job stopped by flag")
	default:
		j.log.Error("job run failed", err)
	}
}

// ShouldJobStop checks the stop flag and, when set, atomically unsets it.
// The caller aborts the run with ErrJobStopped.
func (j *Job) ShouldJobStop(ctx context.Context) (bool, error) {
	_, err := j.coord.executions.FindOneAndUpdate(ctx,
		storage.M{"type": j.name, "stopJob": true},
		storage.M{"$set": storage.M{"stopJob": false}},
		false,
	)
	if errors.Is(err, storage.ErrNoMatch) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Coordination("shouldJobStop", err)
	}
	return true, nil
}

// runOnce is the worker wrapper around one scheduled execution: stop-flag
// check, server liveness, atomic start, body, deferred stop.
func (j *Job) runOnce(ctx context.Context) error {
	stop, err := j.ShouldJobStop(ctx)
	if err != nil {
		return err
	}
	if stop {
		return ErrJobStopped
	}

	cfg := j.Config()
	if len(cfg.EnvironmentsAllowed) > 0 && !containsString(cfg.EnvironmentsAllowed, j.environment) {
		return nil
	}

	if err := j.coord.ValidateDBServerEntry(ctx, j.ServerID()); err != nil {
		if errors.Is(err, ErrServerDeleted) {
			return j.handleServerDeleted(ctx)
		}
		return err
	}

	jobID, err := j.coord.StartNewJob(ctx, j.name, j.ServerID(), j.hostID,
		cfg.MaxInstanceNumberPerServer, cfg.MaxInstanceNumberTotal)
	if errors.Is(err, ErrJobNotStarted) {
		if cfg.DebugOutput {
			j.log.Debug("start declined", "reason", "no slot")
		}
		return nil
	}
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.running = true
	j.mu.Unlock()

	startedAt := time.Now()
	if cfg.DebugOutput {
		j.log.Debug("worker body starting", "jobId", jobID)
	}
	bodyErr := j.runBody(ctx)
	elapsed := time.Since(startedAt)

	// The stop always happens, success or failure, aligned to the next whole
	// wall-clock second so execution-time accounting stays second-granular.
	j.deferStop(jobID, elapsed)
	return bodyErr
}

func (j *Job) runBody(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s body panicked: %v", j.name, r)
			j.log.Error("job body panicked", nil, "panic", r)
		}
	}()
	return j.body(ctx)
}

// deferStop schedules StopJob at the next whole-second boundary and releases
// the local running flag when it fires.
func (j *Job) deferStop(jobID string, elapsed time.Duration) {
	now := time.Now()
	delay := now.Truncate(time.Second).Add(time.Second).Sub(now)
	j.alignStop(delay, func() {
		if _, err := j.coord.StopJob(context.Background(), jobID, elapsed); err != nil {
			j.log.Error("stop job failed", err, "jobId", jobID)
		}
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	})
}

// handleServerDeleted applies the configured policy, defaulting to
// log-once-and-skip.
func (j *Job) handleServerDeleted(ctx context.Context) error {
	if j.OnServerDeleted != nil {
		if id, ok := j.OnServerDeleted(ctx, j); ok {
			j.SetServerID(id)
			return nil
		}
		return ErrServerDeleted
	}
	j.deletedOnce.Do(func() {
		j.log.Error("coordinating server entry deleted, job idle until a new id is propagated", nil)
	})
	return ErrServerDeleted
}

func containsString(list []string, v string) bool {
	for _, el := range list {
		if el == v {
			return true
		}
	}
	return false
}
