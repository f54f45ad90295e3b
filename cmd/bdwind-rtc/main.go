package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-rtc/internal/config"
	"github.com/open-beagle/bdwind-rtc/internal/engine"
	"github.com/open-beagle/bdwind-rtc/internal/events"
	"github.com/open-beagle/bdwind-rtc/internal/metrics"
	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

var (
	configFile = flag.String("config", "", "YAML 配置文件路径")
	serverURL  = flag.String("url", "", "会话服务器地址 (ws:// 或 wss://)")
	token      = flag.String("token", "", "接入令牌")
	logLevel   = flag.String("log-level", "", "日志等级 (trace, debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}

	if err := config.SetupLogger(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}

	logger := config.GetLoggerWithPrefix("main")
	logger.Info("🚀 bdwind-rtc client starting")

	collector := metrics.NewCollector()
	var metricsServer *metrics.Server
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, collector)
		metricsServer.Start()
	}

	eng, err := engine.New(engine.Params{
		Config:    cfg,
		Endpoints: engine.NewRegionEndpointProvider(cfg.URL, cfg.Token),
		Metrics:   collector,
	})
	if err != nil {
		logger.Fatalf("引擎创建失败: %v", err)
	}

	subscribeEvents(eng, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	join, err := eng.Join(ctx)
	if err != nil {
		logger.Fatalf("加入会话失败: %v", err)
	}
	logger.Infof("session=%s participant=%s region=%s",
		join.SessionID, join.ParticipantSID, join.ServerRegion)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	eng.Close()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Stop(shutdownCtx)
	}
	logger.Info("bye")
}

func loadConfig() (*config.ClientConfig, error) {
	var cfg *config.ClientConfig
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultClientConfig()
		cfg.Logging = config.LoadLoggingConfigFromEnv()
	}

	if *serverURL != "" {
		cfg.URL = *serverURL
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// subscribeEvents 把引擎事件落到日志, 供联调观察
func subscribeEvents(eng *engine.Engine, logger *logrus.Entry) {
	bus := eng.Events()

	bus.Subscribe(events.EventConnected, func(ev events.Event) {
		logger.Info("✅ connected")
	})
	bus.Subscribe(events.EventDisconnected, func(ev events.Event) {
		logger.Warnf("❌ disconnected: %v", ev.Payload)
	})
	bus.Subscribe(events.EventResuming, func(ev events.Event) {
		logger.Warnf("resuming session: %v", ev.Payload)
	})
	bus.Subscribe(events.EventResumed, func(ev events.Event) {
		logger.Info("session resumed")
	})
	bus.Subscribe(events.EventRestarting, func(ev events.Event) {
		logger.Warnf("restarting session: %v", ev.Payload)
	})
	bus.Subscribe(events.EventRestarted, func(ev events.Event) {
		logger.Info("session restarted")
	})
	bus.Subscribe(events.EventMediaTrack, func(ev events.Event) {
		track := ev.Payload.(engine.MediaTrack)
		logger.Infof("media track added: %s (%s)", track.Track.ID(), track.Track.Kind())
	})
	bus.Subscribe(events.EventDataPacket, func(ev events.Event) {
		packet := ev.Payload.(engine.DataPacket)
		logger.Debugf("data packet (%s): %d bytes", packet.Kind, len(packet.Payload))
	})
	bus.Subscribe(events.EventParticipantUpdate, func(ev events.Event) {
		update := ev.Payload.(*protocol.ParticipantUpdatePayload)
		logger.Infof("participant update: %d participants", len(update.Participants))
	})
	bus.Subscribe(events.EventDataBufferStatusChanged, func(ev events.Event) {
		status := ev.Payload.(engine.DataBufferStatus)
		logger.Debugf("data buffer status (%s): low=%v", status.Kind, status.Low)
	})
}
