// Package monitor periodically samples live service counters and
// forwards them to the log and, when configured, InfluxDB.
package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// ClientCounter reports the number of live connections.
type ClientCounter interface {
	ClientCount() int
}

// RoomCounter reports the number of non-empty rooms.
type RoomCounter interface {
	RoomCount() int
}

// RunCounter reports the number of active simulation runs.
type RunCounter interface {
	ActiveRuns() int
}

// StatsRecorder receives each sample, e.g. the InfluxDB manager.
type StatsRecorder interface {
	WriteServiceStats(clients, roomCount, activeRuns int) error
}

// Dependencies holds all dependencies for the monitor service.
type Dependencies struct {
	Clients  ClientCounter
	Rooms    RoomCounter
	Runs     RunCounter
	Recorder StatsRecorder // optional
	Logger   *slog.Logger
	Interval time.Duration
}

// Service samples service stats on a fixed interval.
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
}

// NewService creates a new monitor service.
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the monitor loop is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Start launches the sampling loop. Repeated calls are no-ops.
func (s *Service) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.loop()
}

// Stop terminates the sampling loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
}

func (s *Service) loop() {
	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Service) sample() {
	clients := s.deps.Clients.ClientCount()
	roomCount := s.deps.Rooms.RoomCount()
	activeRuns := s.deps.Runs.ActiveRuns()

	s.deps.Logger.Info("service stats",
		"clients", clients,
		"rooms", roomCount,
		"activeRuns", activeRuns,
	)

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.WriteServiceStats(clients, roomCount, activeRuns); err != nil {
			s.deps.Logger.Error("failed to record service stats", "error", err)
		}
	}
}
