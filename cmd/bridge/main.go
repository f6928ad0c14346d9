// Command bridge is the voicebridge process: it terminates PBX-side RTP,
// brokers audio to a configured AI provider for each call, runs the
// function-calling and credit/billing machinery of §4, and exposes the
// Observability and lifecycle-monitor surfaces of §6.
//
// Startup order: config load -> banner -> logger init -> construct
// singletons -> background loops -> signal.Notify SIGINT/SIGTERM ->
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiva-labs/voicebridge/internal/agentcache"
	"github.com/aiva-labs/voicebridge/internal/banner"
	"github.com/aiva-labs/voicebridge/internal/billing"
	"github.com/aiva-labs/voicebridge/internal/config"
	"github.com/aiva-labs/voicebridge/internal/connection"
	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/logger"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/aiva-labs/voicebridge/internal/monitor"
	"github.com/aiva-labs/voicebridge/internal/observability"
	"github.com/aiva-labs/voicebridge/internal/rtp"
	"github.com/aiva-labs/voicebridge/internal/sidechannel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	banner.Print("VOICEBRIDGE", []banner.ConfigLine{
		{Label: "RTP Bind", Value: cfg.RTPBind},
		{Label: "Mgmt API", Value: cfg.MgmtAPIURL},
		{Label: "Side Channel", Value: cfg.SideChannelURL},
		{Label: "Observability Port", Value: fmt.Sprintf("%d", cfg.MonitorPort)},
		{Label: "Profit Margin", Value: fmt.Sprintf("%.1f%%", cfg.ProfitMarginPercent)},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	redisOpts, err := redis.ParseURL(cfg.SideChannelURL)
	if err != nil {
		slog.Error("[Bridge] invalid side-channel URL", "error", err)
		os.Exit(1)
	}
	redisOpts.DB = cfg.SideChannelDB
	redisClient := redis.NewClient(redisOpts)

	sideChannel, err := sidechannel.New(redisClient)
	if err != nil {
		slog.Error("[Bridge] side-channel init failed", "error", err)
		os.Exit(1)
	}

	transport, err := rtp.New(cfg.RTPBind, cfg.StaleIdleThreshold)
	if err != nil {
		slog.Error("[Bridge] RTP transport init failed", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	mgmtClient := mgmtapi.New(cfg.MgmtAPIURL, cfg.MgmtAPIKey, 5*time.Second)
	agentCache := agentcache.New(cfg.AgentCacheTTL)
	creditGate := billing.NewCreditGate(mgmtClient, cfg.DefaultMinCreditUSD)
	executor := functions.NewExecutor(functions.NewRegistry())

	obsServer := observability.NewServer(fmt.Sprintf("0.0.0.0:%d", cfg.MonitorPort))

	manager := connection.NewManager(cfg, transport, mgmtClient, sideChannel, agentCache, creditGate, executor, obsServer)
	obsServer.SetManager(manager)
	obsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Run(ctx)

	go monitor.NewHangupPoller(sideChannel, manager, cfg.HangupPollInterval).Run(ctx)
	go monitor.NewStaleConnectionSweeper(manager, cfg.StaleIdleThreshold, 5*time.Minute).Run(ctx)
	go monitor.NewAgentCacheSweeper(agentCache, cfg.AgentCacheSweepInterval).Run(ctx)

	slog.Info("[Bridge] ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("[Bridge] received signal, shutting down", "signal", sig)

	cancel()
	manager.CloseAll()
	obsServer.Stop()
	slog.Info("[Bridge] stopped")
}
