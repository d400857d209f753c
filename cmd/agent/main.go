package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
	"deskbridge/internal/core/services"
	"deskbridge/internal/infrastructure/media"
	"deskbridge/internal/infrastructure/monitoring"
	"deskbridge/internal/infrastructure/signal"
	webrtcinfra "deskbridge/internal/infrastructure/webrtc"
	"deskbridge/pkg/config"
	"deskbridge/pkg/logger"
	"deskbridge/pkg/retry"
	"deskbridge/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/deskbridge/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-agent",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	credentials, err := signal.NewRESTCredentialProvider(cfg.Signaling.URL, cfg.Agent.Name)
	if err != nil {
		log.Fatalw("invalid signaling url", "error", err)
	}
	identityPath := filepath.Join(cfg.Agent.StateDir, "peer_id")
	if saved, rerr := os.ReadFile(identityPath); rerr == nil {
		if id := strings.TrimSpace(string(saved)); id != "" {
			credentials.UsePeerID(domain.PeerID(id))
		}
	}
	token, err := credentials.SessionSecret()
	if err != nil {
		log.Fatalw("failed to obtain signaling token", "error", err)
	}
	localPeer := credentials.PeerID()
	if werr := os.WriteFile(identityPath, []byte(localPeer), 0o600); werr != nil {
		log.Warnw("failed to persist peer identity", "path", identityPath, "error", werr)
	}
	log.Infow("agent identity issued", "peer_id", localPeer)

	collector := monitoring.NewCollector()
	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(cfg.Monitoring.PrometheusPort, log)
	}

	engine := buildEngine(cfg, localPeer, token, collector, log)

	log.Infow("agent starting", "name", cfg.Agent.Name, "signaling_url", cfg.Signaling.URL)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorw("engine stopped", "error", err)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}
	log.Info("agent stopped")
}

func buildEngine(
	cfg *config.Config,
	localPeer domain.PeerID,
	token string,
	collector *monitoring.Collector,
	log *zap.SugaredLogger,
) *services.Engine {
	ladder := domain.DefaultLadder()
	codec := domain.Codec(cfg.Video.Codec)

	tierIdx := domain.TierIndex(ladder, cfg.Video.DefaultTier)
	if tierIdx < 0 {
		tierIdx = len(ladder) / 2
	}
	tier := ladder[tierIdx]
	initial := tier.Config(cfg.Video.DefaultBitrate, codec)

	sessions := services.NewSessionService(log, collector)

	signalClient := signal.NewClient(signal.ClientConfig{
		URL:   cfg.Signaling.URL,
		Token: token,
		Reconnect: retry.Config{
			MaxAttempts:  cfg.Signaling.Reconnect.MaxAttempts,
			InitialDelay: cfg.Signaling.Reconnect.InitialDelay,
			MaxDelay:     cfg.Signaling.Reconnect.MaxDelay,
			Multiplier:   cfg.Signaling.Reconnect.Multiplier,
		},
		WriteTimeout: cfg.Signaling.WriteTimeout,
		PongTimeout:  cfg.Signaling.PongTimeout,
	}, localPeer, log)

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	transportCfg := webrtcinfra.TransportConfig{
		ICEServers:                 iceServers,
		Codec:                      codec,
		ClipboardCompressThreshold: cfg.Clipboard.CompressThreshold,
	}
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	transportFactory := func(ctx context.Context) (ports.SessionTransport, error) {
		return webrtcinfra.New(transportCfg, log)
	}
	captureFactory := func() (ports.CaptureSource, error) {
		return media.NewTestPatternSource(tier.Width, tier.Height), nil
	}
	encoderFactory := func() (ports.VideoEncoder, error) {
		return media.NewDeltaEncoder(initial)
	}

	acceptor := func(peer domain.PeerID) (domain.PermissionProfile, bool) {
		profile := domain.ProfileByName(cfg.Control.Profile)
		if !cfg.Control.Enabled {
			profile = domain.ViewOnlyProfile()
		}
		return profile, true
	}

	engineCfg := services.EngineConfig{
		LocalPeer:     localPeer,
		InitialConfig: initial,
		Pipeline: services.PipelineConfig{
			CaptureTimeout:   cfg.Agent.CaptureTimeout,
			FailureThreshold: cfg.Agent.FailureThreshold,
			StopTimeout:      cfg.Agent.StopTimeout,
			Ladder:           ladder,
		},
		Controller: services.ControllerConfig{
			Cycle:            cfg.Bitrate.Cycle,
			WindowSize:       cfg.Bitrate.WindowSize,
			RTTHigh:          cfg.Bitrate.RTTHigh,
			RTTLow:           cfg.Bitrate.RTTLow,
			LossHigh:         cfg.Bitrate.LossHigh,
			LossLow:          cfg.Bitrate.LossLow,
			FastLoss:         cfg.Bitrate.FastLoss,
			ScaleDown:        cfg.Bitrate.ScaleDown,
			ScaleUp:          cfg.Bitrate.ScaleUp,
			HysteresisCycles: cfg.Bitrate.HysteresisCycles,
			TierSwitchCycles: cfg.Bitrate.TierSwitchCycles,
		},
		Ladder:    ladder,
		StartTier: cfg.Video.DefaultTier,
	}

	injector := media.NewLogInjector(log)

	return services.NewEngine(
		engineCfg,
		signalClient,
		sessions,
		transportFactory,
		captureFactory,
		encoderFactory,
		injector,
		acceptor,
		log,
		collector,
	)
}

func serveMetrics(port int, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "error", err)
	}
}
