package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sebas/callpilot/internal/banner"
	"github.com/sebas/callpilot/internal/logger"
	"github.com/sebas/callpilot/internal/signaling/api"
	"github.com/sebas/callpilot/internal/signaling/app"
	"github.com/sebas/callpilot/internal/signaling/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(issueToken(os.Args[2:]))
	}

	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("CallPilot Voice Agent", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d/%s", cfg.AdvertiseAddr, cfg.Port, cfg.Transport)},
		{Label: "RTP", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "API", Value: orNone(cfg.APIAddr)},
		{Label: "Speech", Value: orNone(strings.Join(cfg.SpeechURLs, ", "))},
		{Label: "Store", Value: storeLabel(cfg)},
		{Label: "Events", Value: cfg.EventSink},
		{Label: "Dial slots", Value: strconv.Itoa(cfg.MaxConcurrentDials)},
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pilot, err := app.NewServer(sigCtx, cfg)
	if err != nil {
		slog.Error("Failed to create callpilot", "error", err)
		os.Exit(1)
	}

	// components keep running through the drain so calls can end normally
	runCtx, cancelRun := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pilot.Start(runCtx) }()

	select {
	case <-sigCtx.Done():
		slog.Info("Received signal, draining", "timeout", cfg.DrainTimeout)
		stop()
		pilot.Drain()
		cancelRun()
		err = <-errCh
	case err = <-errCh:
		cancelRun()
	}
	if err != nil {
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down")
	_ = pilot.Close()
	if err != nil {
		os.Exit(1)
	}
}

// issueToken prints an admin API token signed with JWT_SECRET.
func issueToken(args []string) int {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "operator", "Token subject")
	role := fs.String("role", api.RoleOperator, "Role (admin, operator, viewer)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	tokens, err := api.NewTokens(os.Getenv("JWT_SECRET"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	tok, err := tokens.Issue(*subject, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(tok)
	return 0
}

func storeLabel(cfg *config.Config) string {
	s := "memory"
	if cfg.DatabaseURL != "" {
		s = "postgres"
	}
	if cfg.RedisAddr != "" {
		s += " + redis " + cfg.RedisAddr
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
