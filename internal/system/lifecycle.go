package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/api/rest"
	"github.com/analogdevicesinc/libm2k-sub001/internal/api/rpc"
	"github.com/analogdevicesinc/libm2k-sub001/internal/api/websocket"
	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/interfaces"
	"github.com/analogdevicesinc/libm2k-sub001/internal/m2k"
	"github.com/analogdevicesinc/libm2k-sub001/internal/profile"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type LifecycleManager struct {
	config      *config.Config
	logger      *zap.Logger
	instrument  *m2k.Context
	storage     storage.Store
	authService *auth.Service
	streams     *stream.Manager
	wsHub       *websocket.Hub

	restServer   *rest.Server
	grpcServer   *grpc.Server
	restListener net.Listener
	grpcListener net.Listener

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error
	startedAt    time.Time

	cancel       context.CancelFunc
	group        *errgroup.Group
	errs         chan error
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// NewLifecycleManager opens storage and the instrument and wires the
// services around them. Nothing listens until Start.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *LifecycleManager, err error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		currentState: StateInitializing,
		errs:         make(chan error, 2),
		shutdownChan: make(chan struct{}),
	}

	if lm.storage, err = openStorage(ctx, cfg, logger); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			lm.storage.Close()
		}
	}()
	if err := storage.Seed(ctx, lm.storage, cfg.Auth, logger); err != nil {
		return nil, fmt.Errorf("failed to seed credentials: %w", err)
	}
	lm.authService = auth.NewService(lm.storage, cfg.Auth, auth.NewPasswordHasher(auth.DefaultPasswordParams), logger)

	if lm.instrument, err = openInstrument(ctx, cfg, logger); err != nil {
		return nil, err
	}

	var sink stream.Sink
	if cfg.Streaming.Archive {
		sink = storage.NewFrameArchive(lm.storage)
	}
	lm.streams = stream.NewManager(logger, sink)
	lm.streams.Register(stream.AnalogAcquirer{In: lm.instrument.AnalogIn()})
	lm.streams.Register(stream.DigitalAcquirer{Digital: lm.instrument.Digital()})

	lm.wsHub = websocket.NewHub(logger, lm.authService)
	lm.wsHub.SetStatusProvider(statusProvider{lm})
	lm.streams.OnStart(lm.wsHub.Forward)

	cal := lm.instrument.Calibration()
	cal.OnRun(lm.recordCalibrationRun)
	cal.OnStateChange(lm.calibrationStateChanged)

	return lm, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if !cfg.Database.Enabled {
		logger.Info("Database disabled, keeping captures in memory")
		return storage.NewMemoryStore(), nil
	}
	db, err := storage.NewPostgresClient(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("Database connected",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))
	return db, nil
}

// openInstrument opens the configured uri with the configured profile.
func openInstrument(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*m2k.Context, error) {
	loader, err := profile.NewLoader(cfg.Profiles.SearchPaths)
	if err != nil {
		return nil, err
	}
	prof, err := loader.Load(cfg.Instrument.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %q: %w", cfg.Instrument.Profile, err)
	}

	opts := m2k.Options{
		Timeout:       cfg.Instrument.Timeout,
		KernelBuffers: cfg.Instrument.KernelBuffers,
		Profile:       prof,
		Calibration: calibration.Options{
			SettleTime:      cfg.Calibration.SettleTime,
			FineTuneSettle:  cfg.Calibration.FineTuneSettle,
			InterPhaseDelay: cfg.Calibration.InterPhaseDelay,
			OffsetSamples:   cfg.Calibration.OffsetSamples,
			GainSamples:     cfg.Calibration.GainSamples,
			FineTuneSpan:    cfg.Calibration.FineTuneSpan,
		},
		ResetOnOpen:     cfg.Instrument.ResetOnOpen,
		CalibrateOnOpen: cfg.Instrument.CalibrateOnOpen,
	}
	inst, err := m2k.OpenURI(ctx, cfg.Instrument.URI, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open instrument %s: %w", cfg.Instrument.URI, err)
	}
	info := inst.Info()
	logger.Info("Instrument opened",
		zap.String("uri", info.URI),
		zap.String("firmware", info.Firmware),
		zap.String("revision", info.Revision),
		zap.String("serial", info.Serial))
	return inst, nil
}

// Start binds both servers and runs the background loops.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting m2kd")

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel
	lm.group, ctx = errgroup.WithContext(ctx)
	lm.startedAt = time.Now()

	lm.group.Go(func() error {
		lm.wsHub.Run(ctx)
		return nil
	})
	lm.group.Go(func() error {
		lm.statusLoop(ctx)
		return nil
	})

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		cancel()
		return err
	}
	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		lm.grpcServer.Stop()
		cancel()
		return err
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.String("grpc_addr", lm.GRPCAddr()),
		zap.String("http_addr", lm.RESTAddr()),
		zap.Bool("auth_enabled", lm.authService.Enabled()))
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcListener = lis
	lm.grpcServer = rpc.NewGRPCServer(rpc.NewService(lm, lm.authService, lm.logger))

	lm.group.Go(func() error {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("service", rpc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.fail(fmt.Errorf("gRPC server failed: %w", err))
			return err
		}
		return nil
	})
	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.restListener = lis
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)

	lm.group.Go(func() error {
		if err := lm.restServer.Serve(lis); err != nil {
			lm.fail(err)
			return err
		}
		return nil
	})
	return nil
}

// statusLoop pushes the system status to WebSocket clients.
func (lm *LifecycleManager) statusLoop(ctx context.Context) {
	interval := lm.config.Server.StatusInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lm.wsHub.ClientCount() > 0 {
				lm.broadcastStatus()
			}
		}
	}
}

func (lm *LifecycleManager) recordCalibrationRun(run calibration.Run) {
	rec := &storage.CalibrationRun{
		Target:    run.Target,
		Outcome:   run.Outcome,
		Error:     run.Error,
		Firmware:  lm.instrument.Firmware(),
		StartedAt: run.StartedAt,
		Duration:  run.Duration,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.storage.RecordCalibrationRun(ctx, rec); err != nil {
		lm.logger.Warn("Failed to record calibration run", zap.Error(err))
	}
}

func (lm *LifecycleManager) calibrationStateChanged(st calibration.Status) {
	lm.wsHub.Broadcast(websocket.NewCalibrationStateMessage(st))

	lm.stateMu.RLock()
	current := lm.currentState
	lm.stateMu.RUnlock()
	calibrating := st.State == calibration.StateADCCalibrating || st.State == calibration.StateDACCalibrating
	switch {
	case calibrating && current == StateRunning:
		lm.setState(StateCalibrating)
	case !calibrating && current == StateCalibrating:
		lm.setState(StateRunning)
	}
}

// Shutdown gracefully shuts down the system. Later calls return nil.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	// Stop producers first so no new frames or runs reach the servers.
	lm.instrument.Calibration().Cancel()
	lm.streams.StopAll()

	var g errgroup.Group
	if lm.restServer != nil {
		g.Go(func() error {
			if err := lm.restServer.Shutdown(ctx); err != nil {
				return fmt.Errorf("rest api shutdown failed: %w", err)
			}
			return nil
		})
	}
	if lm.grpcServer != nil {
		g.Go(func() error {
			lm.logger.Info("Stopping gRPC server")
			stopped := make(chan struct{})
			go func() {
				lm.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				lm.grpcServer.Stop()
				return fmt.Errorf("grpc shutdown timeout exceeded")
			}
			return nil
		})
	}
	err := g.Wait()

	if lm.cancel != nil {
		lm.cancel()
		if werr := lm.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			lm.logger.Debug("Background task ended with error", zap.Error(werr))
		}
	}

	if cerr := lm.instrument.Close(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("instrument close failed: %w", cerr))
	}
	lm.storage.Close()

	if err != nil {
		lm.logger.Warn("Shutdown finished with errors", zap.Error(err))
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Debug("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err
}

// fail records a server failure and reports it through Errors.
func (lm *LifecycleManager) fail(err error) {
	lm.setError(err)
	select {
	case lm.errs <- err:
	default:
	}
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	lm.stateMu.RLock()
	state, lastErr, started := lm.currentState, lm.lastError, lm.startedAt
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:            state.String(),
		Instrument:       lm.instrument.Info(),
		Calibration:      lm.instrument.Calibration().Status(),
		Streams:          lm.streams.List(),
		WebSocketClients: lm.wsHub.ClientCount(),
		Timestamp:        time.Now().Unix(),
	}
	if !started.IsZero() {
		status.Uptime = time.Since(started).Seconds()
	}
	if lastErr != nil {
		status.Error = lastErr.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(lm.GetCurrentStatus(context.Background())))
}

type statusProvider struct {
	lm *LifecycleManager
}

func (p statusProvider) Status(ctx context.Context) any {
	return p.lm.GetCurrentStatus(ctx)
}

// Done is closed once Shutdown completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Errors reports servers that stopped on their own.
func (lm *LifecycleManager) Errors() <-chan error {
	return lm.errs
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) RESTAddr() string {
	if lm.restListener == nil {
		return ""
	}
	return lm.restListener.Addr().String()
}

func (lm *LifecycleManager) GRPCAddr() string {
	if lm.grpcListener == nil {
		return ""
	}
	return lm.grpcListener.Addr().String()
}

func (lm *LifecycleManager) Config() *config.Config       { return lm.config }
func (lm *LifecycleManager) Instrument() *m2k.Context     { return lm.instrument }
func (lm *LifecycleManager) Storage() storage.Store       { return lm.storage }
func (lm *LifecycleManager) Streams() *stream.Manager     { return lm.streams }
func (lm *LifecycleManager) AuthService() *auth.Service   { return lm.authService }
func (lm *LifecycleManager) WebSocketHub() *websocket.Hub { return lm.wsHub }
