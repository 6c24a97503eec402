package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/healthpassport/internal/keysvc"
)

type config struct {
	ServiceID  string `yaml:"service_id"`
	ListenAddr string `yaml:"listen_addr"`
	// Hex-encoded 32-byte master key. Each deployed service must hold its
	// own; sharing one across services voids the threshold guarantee.
	MasterKey string `yaml:"master_key"`
	// Passport node consulted for grantee proofs. Empty means owner-only.
	NodeURL  string `yaml:"node_url"`
	LogLevel string `yaml:"log_level"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "keyserver.yaml"
	if v := os.Getenv("HP_KEYSERVER_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr: ":8400",
		LogLevel:   "info",
	}
	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	if v := os.Getenv("HP_KEYSERVER_ID"); v != "" {
		cfg.ServiceID = v
	}
	if v := os.Getenv("HP_KEYSERVER_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("HP_KEYSERVER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HP_NODE_URL"); v != "" {
		cfg.NodeURL = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.ServiceID == "" {
		log.Fatal().Msg("service_id must be configured")
	}
	masterKey, err := hex.DecodeString(cfg.MasterKey)
	if err != nil || len(masterKey) != 32 {
		log.Fatal().Msg("master_key must be 64 hex characters (32 bytes)")
	}

	var grants keysvc.AccessList = keysvc.DenyAll{}
	if cfg.NodeURL != "" {
		grants = keysvc.NewRemoteAccessList(cfg.NodeURL)
		log.Info().Str("node", cfg.NodeURL).Msg("grantee proofs enabled via node grant check")
	} else {
		log.Info().Msg("no node_url configured - owner-only proofs")
	}

	svc, err := keysvc.NewService(cfg.ServiceID, masterKey, grants)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create key service")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      keysvc.Router(svc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("key service failed")
		}
	}()

	log.Info().Str("service_id", cfg.ServiceID).Str("addr", cfg.ListenAddr).Msg("key service started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("key service stopped")
}
