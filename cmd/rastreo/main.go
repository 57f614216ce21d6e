// Command rastreo runs the fleet route-simulation service: a WebSocket
// gateway over which clients subscribe to asignacion rooms and drive
// synthetic vehicles along stored routes.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/flotaops/rastreo/internal/cache"
	"github.com/flotaops/rastreo/internal/config"
	"github.com/flotaops/rastreo/internal/database"
	"github.com/flotaops/rastreo/internal/dispatcher"
	"github.com/flotaops/rastreo/internal/gateway"
	"github.com/flotaops/rastreo/internal/influx"
	"github.com/flotaops/rastreo/internal/logging"
	"github.com/flotaops/rastreo/internal/monitor"
	"github.com/flotaops/rastreo/internal/rooms"
	"github.com/flotaops/rastreo/internal/sim"
	"github.com/flotaops/rastreo/internal/store"
	"github.com/flotaops/rastreo/internal/store/gormstore"
	memorystore "github.com/flotaops/rastreo/internal/store/memory"
)

const serviceName = "rastreo"

func main() {
	configDir := flag.String("config", ".", "directory containing rastreo.cfg.json")
	flag.Parse()

	sessionStart := time.Now()

	if err := config.Load(*configDir); err != nil {
		// Defaults are enough to run a demo instance.
		slog.Warn("No config file loaded, using defaults", "error", err)
	}

	logManager := logging.NewSlogManager()
	logFile := openLogFile(sessionStart)
	if logFile != nil {
		defer logFile.Close()
	}

	var gelfWriter *gelf.Writer
	if viper.GetBool("graylog.enabled") {
		var err error
		gelfWriter, err = gelf.NewWriter(viper.GetString("graylog.address"))
		if err != nil {
			slog.Warn("Graylog writer unavailable", "error", err)
			gelfWriter = nil
		}
	}

	var fileWriter, graylogWriter io.Writer
	if logFile != nil {
		fileWriter = logFile
	}
	if gelfWriter != nil {
		graylogWriter = gelfWriter
	}
	logManager.Setup(fileWriter, graylogWriter, viper.GetString("logLevel"), func() []slog.Attr {
		return []slog.Attr{slog.Duration("uptime", time.Since(sessionStart).Round(time.Second))}
	})
	logger := logManager.Logger()

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	routeStore := buildRouteStore(logger, zlog)

	var positions sim.PositionRecorder
	var influxManager *influx.Manager
	if viper.GetBool("influx.enabled") {
		influxManager = influx.NewManager(zlog, logging.LogFilePath(viper.GetString("logsDir"), serviceName+".influx-backup", sessionStart)+".gz")
		if err := influxManager.Connect(); err != nil {
			logger.Warn("InfluxDB disabled", "error", err)
			influxManager = nil
		} else {
			positions = influxManager
		}
	}

	disp, err := dispatcher.New(logger)
	if err != nil {
		logger.Error("Failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	gw := gateway.New(gateway.Config{Secret: viper.GetString("server.secret")}, disp, logger)
	roomMgr := rooms.NewManager(gw, logger)
	engine := sim.NewEngine(sim.Options{
		Store:            routeStore,
		Publisher:        roomMgr,
		TickInterval:     config.TickInterval(),
		PositionRecorder: positions,
		Logger:           logger,
	})

	// Disconnect tears down the run first, then the memberships.
	gw.OnDisconnect(engine.OnDisconnect)
	gw.OnDisconnect(roomMgr.LeaveAll)

	gateway.RegisterSimulationHandlers(disp, engine, roomMgr, logger)

	monitorSvc := monitor.NewService(monitor.Dependencies{
		Clients:  gw,
		Rooms:    roomMgr,
		Runs:     engine,
		Recorder: statsRecorder(influxManager),
		Logger:   logger,
		Interval: 30 * time.Second,
	})
	monitorSvc.Start()

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)

	srv := &http.Server{
		Addr:    viper.GetString("server.listenAddr"),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Listening", "addr", srv.Addr, "tickInterval", config.TickInterval())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	monitorSvc.Stop()
	gw.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if influxManager != nil {
		influxManager.Close()
	}
}

// buildRouteStore connects the configured backend, falling back to a
// seeded in-memory store when no database can be reached at all.
func buildRouteStore(logger *slog.Logger, zlog zerolog.Logger) store.RouteStore {
	if viper.GetString("storage.type") == "memory" {
		return seededMemoryStore()
	}

	dbManager := database.NewManager(zlog)
	if err := dbManager.Connect(); err != nil {
		logger.Warn("No database available, using in-memory route store", "error", err)
		return seededMemoryStore()
	}
	if err := dbManager.Setup(); err != nil {
		logger.Warn("Database setup failed, using in-memory route store", "error", err)
		return seededMemoryStore()
	}
	return gormstore.New(dbManager.DB, cache.NewRouteCache())
}

func seededMemoryStore() *memorystore.Store {
	s := memorystore.New()
	for i, r := range database.SeedRoutes() {
		r.ID = uint(i + 1)
		s.Put(r)
	}
	return s
}

// statsRecorder avoids handing the monitor a typed-nil interface.
func statsRecorder(m *influx.Manager) monitor.StatsRecorder {
	if m == nil {
		return nil
	}
	return m
}

func openLogFile(sessionStart time.Time) *os.File {
	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		slog.Warn("Cannot create logs directory", "dir", logsDir, "error", err)
		return nil
	}
	path := logging.LogFilePath(logsDir, serviceName, sessionStart)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Warn("Cannot open log file", "path", path, "error", err)
		return nil
	}
	return f
}
