// cmd/agent/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"growdash-agent/internal/classifier"
	"growdash-agent/internal/config"
	"growdash-agent/internal/controlplane"
	"growdash-agent/internal/discovery"
	serialsrc "growdash-agent/internal/discovery/serial"
	"growdash-agent/internal/discovery/usb"
	"growdash-agent/internal/discovery/video"
	"growdash-agent/internal/fleet"
	"growdash-agent/internal/handler"
	"growdash-agent/internal/model"
	serialchan "growdash-agent/internal/protocol/serial"
	"growdash-agent/internal/registry"
	"growdash-agent/internal/routes"
	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
	"growdash-agent/internal/worker"
)

const (
	usbEnrichTimeout = 2 * time.Second
	cleanupInterval  = time.Hour
	shutdownTimeout  = 30 * time.Second
)

// Application represents the agent process
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	eventBus   *handler.EventBus
	scanner    *discovery.Scanner
	classifier *classifier.Classifier
	registry   *registry.Registry
	dialer     *serialchan.Dialer
	client     controlplane.Client
	fleet      *fleet.Manager

	// Services
	deviceService    *service.DeviceService
	boardService     *service.BoardService
	discoveryService *service.DiscoveryService

	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup
}

func main() {
	flags := pflag.NewFlagSet("growdash-agent", pflag.ContinueOnError)
	configFile := flags.StringP("config", "c", "", "path to agent.yaml")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("api", true, "serve the local status API")
	noAPI := flags.Bool("no-api", false, "disable the local status API")
	flags.String("registry", "./boards.json", "path of the board registry file")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Invalid arguments: %v\n", err)
		os.Exit(2)
	}

	app, err := NewApplication(*configFile, flags, *noAPI)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configFile string, flags *pflag.FlagSet, noAPI bool) (*Application, error) {
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if noAPI {
		cfg.Server.Enabled = false
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "growdash-agent")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	app.eventBus = handler.NewEventBus(logger)
	app.initializeDiscovery()

	app.initializeRegistry()
	app.initializeFleet()
	app.initializeServices()

	if cfg.Server.Enabled {
		app.initializeServer()
	}

	return app, nil
}

// initializeDiscovery builds the port scanner and classifier
func (app *Application) initializeDiscovery() {
	filter := discovery.NewPathFilter(runtime.GOOS, app.config.Discovery.Patterns, app.config.Discovery.Exclude)
	app.scanner = discovery.NewScanner(app.logger, filter,
		serialsrc.NewLister(app.logger),
		video.NewSource(),
	)
	if app.config.Discovery.USBEnrichment {
		app.scanner.AddEnricher(usb.NewEnricher(app.logger, usbEnrichTimeout))
	}
	app.classifier = classifier.New()

	app.logger.Info("Discovery initialized",
		zap.Strings("available_sources", app.scanner.AvailableSources()),
		zap.Bool("usb_enrichment", app.config.Discovery.USBEnrichment),
	)
}

// initializeRegistry loads the persisted board registry. An unreadable file
// is logged and the agent starts with an empty registry.
func (app *Application) initializeRegistry() {
	store := registry.NewFileStore(app.config.Registry.Path, app.logger)
	app.registry = registry.New(store, app.scanner, app.classifier, app.logger, registry.Options{
		MaxAge:         app.config.Registry.MaxAge,
		IncludeCameras: app.config.Registry.IncludeCameras,
	})

	app.registry.OnRefresh(func(count int, err error) {
		data := map[string]interface{}{"entries": count}
		if err != nil {
			data["error"] = err.Error()
		}
		app.eventBus.Publish(model.NewEvent(model.EventRegistryRefreshed, "registry", "", data))
	})

	entries, err := app.registry.Load()
	if err != nil {
		app.logger.Warn("Registry file unreadable, starting empty",
			zap.String("path", store.Path()),
			zap.Error(err),
		)
	}

	app.logger.Info("Registry initialized",
		zap.String("path", store.Path()),
		zap.Int("entries", len(entries)),
	)
}

// initializeFleet wires the serial opener, control plane client and fleet manager
func (app *Application) initializeFleet() {
	opener := serialchan.NewNativeOpener(serialchan.Config{
		DataBits: app.config.Serial.DataBits,
		StopBits: app.config.Serial.StopBits,
		Parity:   app.config.Serial.Parity,
		ReadPoll: app.config.Serial.ReadPoll,
	})
	app.dialer = serialchan.NewDialer(opener, app.logger)
	app.client = controlplane.NewHTTPClient(app.config.ControlPlane, app.logger)

	app.fleet = fleet.NewManager(
		app.scanner,
		app.registry,
		app.classifier,
		app.dialer.Open,
		app.client,
		app.eventBus,
		worker.NewConfig(app.config),
		fleet.Options{
			ScanInterval: app.config.Fleet.ScanInterval,
			StopGrace:    app.config.Fleet.StopGrace,
			BaudRate:     app.config.Serial.BaudRate,
		},
		app.logger,
	)

	app.logger.Info("Fleet manager initialized",
		zap.String("control_plane", app.config.ControlPlane.BaseURL),
		zap.Int("baud_rate", app.config.Serial.BaudRate),
	)
}

// initializeServices creates service instances
func (app *Application) initializeServices() {
	app.deviceService = service.NewDeviceService(app.fleet, app.config, app.logger)
	app.boardService = service.NewBoardService(app.registry, app.eventBus, app.config, app.logger)
	app.discoveryService = service.NewDiscoveryService(
		app.scanner,
		app.classifier,
		app.fleet,
		app.dialer.Open,
		app.config,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
}

// initializeServer sets up the local status API
func (app *Application) initializeServer() {
	app.router = routes.NewRouter(
		app.config,
		app.logger,
		app.deviceService,
		app.boardService,
		app.discoveryService,
		app.eventBus,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// Start runs the agent until a shutdown signal arrives
func (app *Application) Start() error {
	go app.eventBus.Start()

	// stale or empty registries refresh in the background
	app.registry.RefreshIfStale(app.ctx, app.config.Registry.MaxAge, registry.ModeAsync)

	if app.server != nil {
		go func() {
			app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
			}
		}()
	}

	app.startBackgroundServices()
	app.waitForShutdown()

	return nil
}

// startBackgroundServices starts the fleet loop and registry maintenance
func (app *Application) startBackgroundServices() {
	app.background.Add(3)

	go func() {
		defer app.background.Done()
		if err := app.fleet.Run(app.ctx); err != nil {
			app.logger.Error("Fleet manager stopped with error", zap.Error(err))
		}
	}()
	go app.startRegistryRefresh()
	go app.startRegistryCleanup()

	app.logger.Info("Background services started")
}

// startRegistryRefresh periodically rescans and reclassifies all boards
func (app *Application) startRegistryRefresh() {
	defer app.background.Done()

	ticker := time.NewTicker(app.config.Registry.RefreshInterval)
	defer ticker.Stop()

	app.logger.Info("Registry refresh started",
		zap.Duration("interval", app.config.Registry.RefreshInterval),
	)

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.registry.Refresh(app.ctx, registry.ModeAsync); err != nil {
				app.logger.Warn("Failed to schedule registry refresh", zap.Error(err))
			}
		}
	}
}

// startRegistryCleanup periodically drops entries not seen for cleanup_age
func (app *Application) startRegistryCleanup() {
	defer app.background.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	app.logger.Info("Registry cleanup started",
		zap.Duration("interval", cleanupInterval),
		zap.Duration("max_age", app.config.Registry.CleanupAge),
	)

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.boardService.Cleanup(""); err != nil {
				app.logger.Error("Registry cleanup failed", zap.Error(err))
			}
		}
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown stops the API, every worker and the background loops in order
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "growdash-agent")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	app.cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
		app.router.Close()
	}

	if err := app.fleet.Shutdown(ctx); err != nil {
		app.logger.Error("Fleet shutdown incomplete", zap.Error(err))
	} else {
		app.logger.Info("All device workers stopped")
	}

	app.background.Wait()
	app.registry.Wait()
	app.eventBus.Stop()

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}
