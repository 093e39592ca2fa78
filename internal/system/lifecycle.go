package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/KevinKickass/OpenDeviceCore/internal/api/grpcapi"
	"github.com/KevinKickass/OpenDeviceCore/internal/api/rest"
	"github.com/KevinKickass/OpenDeviceCore/internal/api/websocket"
	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/display"
	"github.com/KevinKickass/OpenDeviceCore/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceCore/internal/metrics"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/storage"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"github.com/KevinKickass/OpenDeviceCore/internal/utility"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// LifecycleManager owns every long-lived component: the serial link, the
// runner, the coordinator and the servers in front of it.
type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	client      *session.Client
	connector   *session.Connector
	runner      *operation.Runner
	device      *device.State
	display     *display.Session
	registry    *updates.Registry
	catalog     *utility.Catalog
	coordinator *backend.Coordinator

	store   storage.Store
	journal *storage.Journal

	promRegistry *prometheus.Registry
	recorder     *metrics.PrometheusRecorder
	authService  *auth.AuthService
	wsHub        *websocket.Hub
	grpcService  *grpcapi.Service

	restServer *rest.Server
	grpcServer *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

// NewLifecycleManager builds the component graph. Nothing touches the
// device or the network until Start.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
	lm.ctx, lm.cancel = context.WithCancel(context.Background())

	if cfg.Auth.Enabled {
		lm.authService = auth.NewAuthService(cfg.Auth, logger.Named("auth"))
	}
	lm.wsHub = websocket.NewHub(logger.Named("ws"), lm.authService)

	observers := []operation.Observer{lm.wsHub}

	store, err := openStore(cfg.Journal)
	if err != nil {
		return nil, err
	}
	lm.store = store
	lm.device = device.NewState(logger.Named("device"))
	if store != nil {
		lm.journal = storage.NewJournal(store, lm.device, logger.Named("journal"))
		observers = append(observers, lm.journal)
	}

	if cfg.Metrics.Enabled {
		lm.promRegistry = prometheus.NewRegistry()
		lm.promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		lm.recorder = metrics.NewPrometheusRecorder(lm.promRegistry)
		observers = append(observers, lm.recorder)
	}

	lm.client = session.NewClient(cfg.Serial.RequestTimeout, logger.Named("session"))
	lm.connector = session.NewConnector(session.ConnectorConfig{
		Port:         cfg.Serial.Port,
		VID:          cfg.Serial.VID,
		PID:          cfg.Serial.PID,
		BaudRate:     cfg.Serial.BaudRate,
		PollInterval: cfg.Serial.PollInterval,
		Handshake:    cfg.Serial.Handshake,
	}, lm.client, logger.Named("connector"))

	lm.runner = operation.NewRunner(lm.client, logger.Named("runner"), observers...)
	lm.runner.SetReconnectTimeout(cfg.Updates.ReconnectTimeout)
	lm.display = display.New(lm.client, logger.Named("display"))

	lm.registry, err = updates.NewRegistry(updates.Config{
		DirectoryURL: cfg.Updates.DirectoryURL,
		Channel:      cfg.Updates.Channel,
		DownloadDir:  cfg.Updates.DownloadDir,
		Timeout:      cfg.Updates.CheckTimeout,
	}, logger.Named("updates"))
	if err != nil {
		lm.closeCore()
		return nil, fmt.Errorf("failed to create update registry: %w", err)
	}

	lm.catalog = utility.NewCatalog(lm.runner, lm.device, logger.Named("utility"),
		utility.WithRegion(cfg.Device.Region),
		utility.WithChunkSize(cfg.Device.ChunkSize))

	lm.coordinator = backend.NewCoordinator(backend.Deps{
		Session:          lm.client,
		Runner:           lm.runner,
		Catalog:          lm.catalog,
		Registry:         lm.registry,
		Device:           lm.device,
		Display:          lm.display,
		Logger:           logger.Named("backend"),
		Port:             lm.connector.Port,
		WorkDir:          cfg.Device.WorkDir,
		ReconnectTimeout: cfg.Updates.ReconnectTimeout,
		CheckTimeout:     cfg.Updates.CheckTimeout,
		AutoCheck:        cfg.Updates.AutoCheck,
		Observers:        observers,
	})

	if lm.recorder != nil {
		lm.recorder.WatchQueue(lm.runner.Len)
		lm.recorder.WatchDevice(func() bool { return lm.client.State() == session.Attached })
	}

	lm.grpcService = grpcapi.NewService(lm.coordinator, logger.Named("grpc"))

	return lm, nil
}

func openStore(cfg config.JournalConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := storage.NewPostgresClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}

// StartDevice begins watching for the device. One-shot commands use it
// without the servers.
func (lm *LifecycleManager) StartDevice() {
	lm.connector.Start()
}

// Start brings up the device connector and every server.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenDeviceCore")

	lm.wg.Add(2)
	go func() {
		defer lm.wg.Done()
		lm.wsHub.Run(lm.ctx)
	}()
	go func() {
		defer lm.wg.Done()
		lm.grpcService.TrackHealth(lm.ctx)
	}()
	lm.wsHub.Follow(lm.ctx, lm.coordinator)

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.StartDevice()

	if err := lm.setState(StateRunning); err != nil {
		return err
	}

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("journal", lm.journalName()),
		zap.Bool("auth", lm.authService != nil))

	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	var opts []grpc.ServerOption
	if lm.authService != nil {
		opts = grpcapi.ServerOptions(lm.authService)
	}
	lm.grpcServer = grpc.NewServer(opts...)
	lm.grpcService.Register(lm.grpcServer)

	lm.logger.Info("gRPC server listening",
		zap.String("address", lis.Addr().String()),
		zap.String("service", grpcapi.ServiceName))
	go func() {
		if err := lm.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	var opts []rest.Option
	if lm.authService != nil {
		opts = append(opts, rest.WithAuth(lm.authService))
	}
	if lm.promRegistry != nil {
		opts = append(opts, rest.WithMetrics(lm.config.Metrics.Path,
			promhttp.HandlerFor(lm.promRegistry, promhttp.HandlerOpts{})))
	}

	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, opts...)
	return lm.restServer.Start()
}

// Done is closed once Shutdown has finished, whoever triggered it.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown stops the servers, then the device side. Operations still
// queued fail with DeviceDisconnected; the journal is flushed last.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		if err := lm.setState(StateStopping); err != nil {
			lm.logger.Warn("Unexpected state during shutdown", zap.Error(err))
		}

		shutdownErr = lm.stopServers(ctx)
		lm.cancel()
		lm.wg.Wait()
		lm.closeCore()

		if err := lm.setState(StateStopped); err != nil {
			lm.logger.Warn("Unexpected state during shutdown", zap.Error(err))
		}
		close(lm.shutdownChan)
		lm.logger.Info("Shutdown completed")
	})

	return shutdownErr
}

func (lm *LifecycleManager) stopServers(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.restServer.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopped := make(chan struct{})
			go func() {
				lm.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				// Status watchers never end on their own.
				lm.grpcServer.Stop()
				<-stopped
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeCore tears down the device side in dependency order.
func (lm *LifecycleManager) closeCore() {
	if lm.coordinator != nil {
		lm.coordinator.Close()
	}
	lm.connector.Stop()
	lm.runner.Close()
	lm.display.Close()

	if lm.journal != nil {
		lm.journal.Close()
	}
	if lm.store != nil {
		if err := lm.store.Close(); err != nil {
			lm.logger.Warn("Failed to close journal store", zap.Error(err))
		}
	}
}

func (lm *LifecycleManager) setState(state SystemState) error {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		return err
	}
	lm.currentState = state
	return nil
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.stateMu.Unlock()
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) journalName() string {
	if lm.journal == nil {
		return "disabled"
	}
	return lm.config.Journal.Driver
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Backend() interfaces.Backend {
	return lm.coordinator
}

// Coordinator is Backend with the concrete type, for in-process callers.
func (lm *LifecycleManager) Coordinator() *backend.Coordinator {
	return lm.coordinator
}

func (lm *LifecycleManager) Journal() interfaces.Journal {
	if lm.journal == nil {
		return nil
	}
	return lm.journal
}

func (lm *LifecycleManager) Ports() ([]session.PortInfo, error) {
	return session.ListPorts(lm.config.Serial.VID, lm.config.Serial.PID)
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{
		State:      lm.State().String(),
		Port:       lm.connector.Port(),
		Attached:   lm.client.State() == session.Attached,
		Mode:       lm.coordinator.Mode().String(),
		QueueDepth: lm.runner.Len(),
		Journal:    lm.journalName(),
	}
}
