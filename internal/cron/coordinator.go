// Package cron coordinates scheduled jobs across process instances through a
// shared document store. Every start, stop, and cleanup decision is made by an
// atomic conditional update, never by in-process locks: concurrent starts
// racing past a concurrency cap are resolved by the storage layer.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/model"
	"github.com/apiforge/apiforge/internal/schema"
	"github.com/apiforge/apiforge/internal/storage"
)

// Server heartbeat states.
const (
	StatusActive      = "active"
	StatusNoHeartbeat = "no heartbeat"
)

// ErrServerDeleted reports that this process's heartbeat document is gone or
// no longer active: the caller must re-register before running jobs.
var ErrServerDeleted = errors.New("server heartbeat entry is no longer active")

// ErrJobNotStarted reports that the atomic start precondition did not match:
// the job is suspended, the host is not allowed, or a concurrency cap is
// reached. The worker body must not run.
var ErrJobNotStarted = errors.New("could not start job")

// HeartbeatDefinition is the model for per-process heartbeat documents.
func HeartbeatDefinition() model.Definition {
	return model.Definition{
		Name:           "cronServerHeartbeat",
		Version:        "1.0.0",
		CollectionName: "cron.serverHeartbeats",
		Schema: schema.Tree{
			"status": {
				Type:     schema.TypeString,
				Required: true,
				Allow:    []any{StatusActive, StatusNoHeartbeat},
				Index:    true,
			},
			"hostName":           {Type: schema.TypeString, Required: true},
			"restartCount":       {Type: schema.TypeNumber, Default: 0.0},
			"isSuspended":        {Type: schema.TypeBoolean, Default: false},
			"lastStatusUpdateAt": {Type: schema.TypeNumber, Required: true},
		},
	}
}

// ExecutionDefinition is the model for per-job-type execution documents. The
// document holds the live config override, both running-job arrays, and the
// run statistics; it is created on first job registration and never deleted.
func ExecutionDefinition() model.Definition {
	return model.Definition{
		Name:           "cronJobExecution",
		Version:        "1.0.0",
		CollectionName: "cron.jobExecutions",
		Schema: schema.Tree{
			"type":                       {Type: schema.TypeString, Required: true, Unique: true},
			"isSuspended":                {Type: schema.TypeBoolean, Default: false},
			"forceRun":                   {Type: schema.TypeBoolean, Default: false},
			"stopJob":                    {Type: schema.TypeBoolean, Default: false},
			"debugOutput":                {Type: schema.TypeBoolean, Default: false},
			"maxInstanceNumberPerServer": {Type: schema.TypeNumber, Default: 0.0},
			"maxInstanceNumberTotal":     {Type: schema.TypeNumber, Default: 0.0},
			"hostsAllowed":               {Type: schema.TypeArray, SubType: schema.TypeString},
			"environmentsAllowed":        {Type: schema.TypeArray, SubType: schema.TypeString},
			"second":                     {Type: schema.TypeArray, SubType: schema.TypeString},
			"minute":                     {Type: schema.TypeArray, SubType: schema.TypeString},
			"hour":                       {Type: schema.TypeArray, SubType: schema.TypeString},
			"dayOfMonth":                 {Type: schema.TypeArray, SubType: schema.TypeString},
			"month":                      {Type: schema.TypeArray, SubType: schema.TypeString},
			"dayOfWeek":                  {Type: schema.TypeArray, SubType: schema.TypeString},
			"timezone":                   {Type: schema.TypeString},
			"timesStarted":               {Type: schema.TypeNumber, Default: 0.0},
			"timesFinished":              {Type: schema.TypeNumber, Default: 0.0},
			"totalExecutionTime":         {Type: schema.TypeNumber, Default: 0.0},
			// Running-job bookkeeping is operator-driven, not caller input.
			"runningJobsByServer": {},
			"runningJobsOverall":  {},
		},
	}
}

// Coordinator mediates job identity, heartbeats, and concurrency-capped
// start/stop between every process sharing the two cron collections.
type Coordinator struct {
	executions *model.Model
	heartbeats *model.Model
	log        *logging.Logger
	now        func() time.Time
}

// NewCoordinator creates a coordinator over the execution and heartbeat
// models.
func NewCoordinator(executions, heartbeats *model.Model, log *logging.Logger) *Coordinator {
	return &Coordinator{
		executions: executions,
		heartbeats: heartbeats,
		log:        log.Component("cron.coordinator"),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Test helper.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// RegisterNewServer inserts an active heartbeat document for this process and
// returns its id. An insert failure is fatal for cron on this process.
func (c *Coordinator) RegisterNewServer(ctx context.Context, hostName string, restartCount int) (string, error) {
	id := uuid.NewString()
	_, err := c.heartbeats.InsertOne(ctx, storage.M{
		"_id":                id,
		"status":             StatusActive,
		"hostName":           hostName,
		"restartCount":       restartCount,
		"isSuspended":        false,
		"lastStatusUpdateAt": c.now().UnixMilli(),
	})
	if err != nil {
		return "", apperr.Coordination("registerNewServer", err)
	}
	c.log.Info("server registered", "serverId", id, "hostName", hostName, "restartCount", restartCount)
	return id, nil
}

// ValidateDBServerEntry confirms the server is still active and not
// suspended. ErrServerDeleted triggers the job's server-deleted policy.
func (c *Coordinator) ValidateDBServerEntry(ctx context.Context, serverID string) error {
	_, err := c.heartbeats.FindOne(ctx, storage.M{
		"_id":         serverID,
		"status":      StatusActive,
		"isSuspended": false,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrServerDeleted
	}
	if err != nil {
		return apperr.Coordination("validateDbServerEntry", err)
	}
	return nil
}

// DoHeartbeat bumps lastStatusUpdateAt, conditional on the entry still being
// active. ErrServerDeleted means the cleanup sweep marked this server dead
// concurrently: the caller must re-register with a bumped restart count and
// propagate the new id to every locally running job.
func (c *Coordinator) DoHeartbeat(ctx context.Context, serverID string) error {
	res, err := c.heartbeats.UpdateOne(ctx,
		storage.M{"_id": serverID, "status": StatusActive},
		storage.M{"$set": storage.M{"lastStatusUpdateAt": c.now().UnixMilli()}},
	)
	if err != nil {
		return apperr.Coordination("doHeartbeat", err)
	}
	if res.Matched == 0 {
		return ErrServerDeleted
	}
	return nil
}

// Heartbeat runs one heartbeat and recovers from a concurrent dead-marking by
// re-registering. It returns the (possibly new) server id and restart count.
func (c *Coordinator) Heartbeat(ctx context.Context, serverID, hostName string, restartCount int) (string, int, error) {
	err := c.DoHeartbeat(ctx, serverID)
	if err == nil {
		return serverID, restartCount, nil
	}
	if !errors.Is(err, ErrServerDeleted) {
		return serverID, restartCount, err
	}
	c.log.Warn("heartbeat lost, re-registering", "serverId", serverID)
	newID, regErr := c.RegisterNewServer(ctx, hostName, restartCount+1)
	if regErr != nil {
		return serverID, restartCount, regErr
	}
	return newID, restartCount + 1, nil
}

// EnsureJobEntry creates the execution document for a job type on first
// registration. The snapshot supplies the initial config fields; an existing
// document is left untouched so live overrides survive restarts.
func (c *Coordinator) EnsureJobEntry(ctx context.Context, typeName string, snapshot storage.M) error {
	_, err := c.executions.FindOne(ctx, storage.M{"type": typeName})
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return apperr.Coordination("ensureJobEntry", err)
	}

	doc := storage.M{
		"type":                typeName,
		"isSuspended":         false,
		"forceRun":            false,
		"stopJob":             false,
		"runningJobsByServer": []any{},
		"runningJobsOverall":  []any{},
		"timesStarted":        0,
		"timesFinished":       0,
		"totalExecutionTime":  0,
	}
	for k, v := range snapshot {
		doc[k] = v
	}
	if _, err := c.executions.InsertOne(ctx, doc); err != nil {
		// A concurrent registration may have won the insert race.
		if _, findErr := c.executions.FindOne(ctx, storage.M{"type": typeName}); findErr == nil {
			return nil
		}
		return apperr.Coordination("ensureJobEntry", err)
	}
	return nil
}

// JobEntry returns the execution document for a job type.
func (c *Coordinator) JobEntry(ctx context.Context, typeName string) (storage.M, error) {
	doc, err := c.executions.FindOne(ctx, storage.M{"type": typeName})
	if err != nil {
		return nil, apperr.Coordination("jobEntry", err)
	}
	return doc, nil
}

// StartNewJob atomically claims one job slot. The single conditional update
// requires the job not suspended, the host allowed, the per-server array
// under its cap, and the overall array under its cap; concurrent calls can
// never both succeed past a cap. On success the new job id is pushed into
// both arrays and timesStarted is bumped. ErrJobNotStarted means no slot.
func (c *Coordinator) StartNewJob(ctx context.Context, typeName, serverID, hostID string, maxPerServer, maxTotal int) (string, error) {
	// Ensure a per-server entry exists exactly once. The non-match guard makes
	// concurrent first starts push at most one entry.
	_, err := c.executions.UpdateOne(ctx,
		storage.M{"type": typeName, "runningJobsByServer.serverId": storage.M{"$ne": serverID}},
		storage.M{"$push": storage.M{"runningJobsByServer": storage.M{"serverId": serverID, "jobs": []any{}}}},
	)
	if err != nil {
		return "", apperr.Coordination("startNewJob", err)
	}

	elem := storage.M{"serverId": serverID}
	if maxPerServer > 0 {
		elem["jobs."+strconv.Itoa(maxPerServer-1)] = storage.M{"$exists": false}
	}
	filter := storage.M{
		"type":        typeName,
		"isSuspended": false,
		"$or": []any{
			storage.M{"hostsAllowed": storage.M{"$exists": false}},
			storage.M{"hostsAllowed": storage.M{"$size": 0}},
			storage.M{"hostsAllowed": hostID},
		},
		"runningJobsByServer": storage.M{"$elemMatch": elem},
	}
	if maxTotal > 0 {
		filter["runningJobsOverall."+strconv.Itoa(maxTotal-1)] = storage.M{"$exists": false}
	}

	jobID := uuid.NewString()
	update := storage.M{
		"$push": storage.M{
			"runningJobsByServer.$.jobs": jobID,
			"runningJobsOverall": storage.M{
				"id":        jobID,
				"serverId":  serverID,
				"startedAt": c.now().UnixMilli(),
			},
		},
		"$inc": storage.M{"timesStarted": 1},
	}

	_, err = c.executions.FindOneAndUpdate(ctx, filter, update, true)
	if errors.Is(err, storage.ErrNoMatch) {
		return "", ErrJobNotStarted
	}
	if err != nil {
		return "", apperr.Coordination("startNewJob", err)
	}
	return jobID, nil
}

// StopJob pulls the job id from both arrays, accumulates the run statistics,
// and clears the force-run flag. A zero modified count means the entry
// vanished (swept by cleanup); that is logged, never fatal.
func (c *Coordinator) StopJob(ctx context.Context, jobID string, elapsed time.Duration) (int64, error) {
	res, err := c.executions.UpdateOne(ctx,
		storage.M{"runningJobsOverall.id": jobID},
		storage.M{
			"$pull": storage.M{
				"runningJobsOverall":           storage.M{"id": jobID},
				"runningJobsByServer.$[].jobs": jobID,
			},
			"$inc": storage.M{
				"timesFinished":      1,
				"totalExecutionTime": elapsed.Milliseconds(),
			},
			"$set": storage.M{"forceRun": false},
		},
	)
	if err != nil {
		return 0, apperr.Coordination("stopJob", err)
	}
	if res.Modified == 0 {
		c.log.Warn("job entry already gone on stop", "jobId", jobID)
	}
	return res.Modified, nil
}

// CleanJobsOfDeadServers runs the three-phase sweep: stale active heartbeats
// are marked dead, every dead server's job references are pulled from both
// arrays and its heartbeat document deleted, and finally any job reference
// whose serverId matches no active server is pulled too. Phase three also
// sweeps jobs of a server that re-registered between phases before reclaiming
// them; their owners restart them on the next tick.
func (c *Coordinator) CleanJobsOfDeadServers(ctx context.Context, heartbeatInterval time.Duration) error {
	cutoff := c.now().UnixMilli() - heartbeatInterval.Milliseconds()
	_, err := c.heartbeats.UpdateMany(ctx,
		storage.M{"status": StatusActive, "lastStatusUpdateAt": storage.M{"$lte": cutoff}},
		storage.M{"$set": storage.M{"status": StatusNoHeartbeat}},
	)
	if err != nil {
		return apperr.Coordination("cleanJobsOfDeadServers: mark stale", err)
	}

	dead, err := c.heartbeats.Find(ctx, storage.M{"status": StatusNoHeartbeat})
	if err != nil {
		return apperr.Coordination("cleanJobsOfDeadServers: list dead", err)
	}
	for _, hb := range dead {
		serverID, _ := hb["_id"].(string)
		if serverID == "" {
			continue
		}
		_, err = c.executions.UpdateMany(ctx, storage.M{},
			storage.M{
				"$pull": storage.M{
					"runningJobsOverall":  storage.M{"serverId": serverID},
					"runningJobsByServer": storage.M{"serverId": serverID},
				},
				"$set": storage.M{"forceRun": false},
			},
		)
		if err != nil {
			return apperr.Coordination(fmt.Sprintf("cleanJobsOfDeadServers: reap %s", serverID), err)
		}
		if _, err := c.heartbeats.DeleteOne(ctx, storage.M{"_id": serverID}); err != nil {
			return apperr.Coordination("cleanJobsOfDeadServers: delete heartbeat", err)
		}
		c.log.Info("dead server reaped", "serverId", serverID)
	}

	active, err := c.heartbeats.Distinct(ctx, "_id", storage.M{"status": StatusActive})
	if err != nil {
		return apperr.Coordination("cleanJobsOfDeadServers: list active", err)
	}
	_, err = c.executions.UpdateMany(ctx, storage.M{},
		storage.M{
			"$pull": storage.M{
				"runningJobsOverall":  storage.M{"serverId": storage.M{"$nin": active}},
				"runningJobsByServer": storage.M{"serverId": storage.M{"$nin": active}},
			},
			"$set": storage.M{"forceRun": false},
		},
	)
	if err != nil {
		return apperr.Coordination("cleanJobsOfDeadServers: sweep unknown", err)
	}
	return nil
}
