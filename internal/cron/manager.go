package cron

import (
	"context"
	"sync"
	"time"

	"github.com/apiforge/apiforge/internal/logging"
)

// Manager owns this process's cron identity: it registers the server, runs
// the heartbeat/cleanup/config-poll loop at a fixed cadence, and propagates a
// re-registered server id to every job.
type Manager struct {
	coord    *Coordinator
	hostName string
	interval time.Duration
	log      *logging.Logger

	mu           sync.Mutex
	serverID     string
	restartCount int
	jobs         []*Job
	cancel       context.CancelFunc
}

// NewManager creates a manager. interval is the heartbeat cadence; the
// dead-server cutoff uses the same value.
func NewManager(coord *Coordinator, hostName string, interval time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		coord:    coord,
		hostName: hostName,
		interval: interval,
		log:      log.Component("cron.manager"),
	}
}

// AddJob registers a job definition. Must be called before Start.
func (m *Manager) AddJob(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, j)
}

// ServerID returns the current server id.
func (m *Manager) ServerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverID
}

// Start registers this server, initializes every job, and launches the
// periodic coordination loop. A registration failure is fatal for cron on
// this process.
func (m *Manager) Start(ctx context.Context) error {
	id, err := m.coord.RegisterNewServer(ctx, m.hostName, 0)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.serverID = id
	jobs := append([]*Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, j := range jobs {
		if err := j.InitializeJob(ctx, id); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.loop(loopCtx)
	return nil
}

// Stop halts the loop and every job's schedule.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	jobs := append([]*Job(nil), m.jobs...)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, j := range jobs {
		j.Stop()
	}
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one coordination round: heartbeat (re-registering if the entry
// was swept), dead-server cleanup, and the config poll for every job. Every
// failure is logged and retried next tick, never fatal.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	serverID := m.serverID
	restartCount := m.restartCount
	jobs := append([]*Job(nil), m.jobs...)
	m.mu.Unlock()

	newID, newCount, err := m.coord.Heartbeat(ctx, serverID, m.hostName, restartCount)
	if err != nil {
		m.log.Error("heartbeat failed, retrying next tick", err)
	} else if newID != serverID {
		m.mu.Lock()
		m.serverID = newID
		m.restartCount = newCount
		m.mu.Unlock()
		for _, j := range jobs {
			j.SetServerID(newID)
		}
	}

	if err := m.coord.CleanJobsOfDeadServers(ctx, m.interval); err != nil {
		m.log.Error("dead server cleanup failed, retrying next tick", err)
	}

	for _, j := range jobs {
		if err := j.UpdateJob(ctx); err != nil {
			m.log.Error("job config update failed", err, "job", j.Name())
		}
	}
}
