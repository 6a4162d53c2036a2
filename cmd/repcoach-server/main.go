package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"repcoach/server/internal/appdirs"
	"repcoach/server/internal/engine"
	"repcoach/server/internal/envfile"
	"repcoach/server/internal/envutil"
	"repcoach/server/internal/httpapi"
	"repcoach/server/internal/logging"
	"repcoach/server/internal/openai"
	"repcoach/server/internal/remote"
	"repcoach/server/internal/secrets"
	"repcoach/server/internal/settings"
	"repcoach/server/internal/store"
	"repcoach/server/internal/tools"
)

func main() {
	envResult := envfile.Load()
	debug := envutil.Bool("REPCOACH_DEBUG")
	dataDir, err := appdirs.DataDir()
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "server")
	if logSetup.Enabled {
		logger.Info("server.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("server.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("server.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("server.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	settingsStore := settings.NewStore(filepath.Join(dataDir, "settings.json"))
	cfg, err := settingsStore.Load()
	if err != nil {
		logger.Error("server.settings_load_failed", "error", err.Error())
		log.Fatalf("server init failed: %v", err)
	}
	listenAddr := envutil.String("REPCOACH_LISTEN_ADDR", cfg.ListenAddr)
	modelID := envutil.String("REPCOACH_MODEL", cfg.ModelID)
	stallSeconds := envutil.Int("REPCOACH_TURN_STALL_SECONDS", cfg.TurnStallSeconds)
	secretsStore := secrets.NewStore(
		filepath.Join(dataDir, "secrets.json"),
		filepath.Join(dataDir, "secrets.key"),
	)

	var remoteClient remote.Client
	if cfg.RemoteBaseURL != "" {
		token, err := secretsStore.GetRemoteStoreToken()
		if err != nil {
			logger.Warn("server.remote_token_unavailable", "error", err.Error())
		}
		remoteClient, err = remote.NewHTTPClient(cfg.RemoteBaseURL, token)
		if err != nil {
			logger.Error("server.remote_client_init_failed", "error", err.Error())
			log.Fatalf("server init failed: %v", err)
		}
	} else {
		logger.Info("server.remote_store_disabled")
		remoteClient = remote.NewFake()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(dataDir, remoteClient, logger,
		store.WithRetryMax(cfg.OutboxRetryMax))
	if err != nil {
		logger.Error("server.store_init_failed", "error", err.Error())
		log.Fatalf("server init failed: %v", err)
	}
	st.Start(rootCtx)

	drafts := tools.NewDraftRegistry(st)
	eng := engine.New(engine.Config{
		Client:       openai.NewClient(),
		Registry:     tools.DefaultRegistry(),
		Store:        st,
		Drafts:       drafts,
		APIKey:       secretsStore.GetOpenAIKey,
		Model:        modelID,
		StallTimeout: time.Duration(stallSeconds) * time.Second,
		Logger:       logger,
	})

	api := httpapi.NewServer(eng, drafts, st, logger)
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st.Flush(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server.shutdown_failed", "error", err.Error())
		}
	}()

	logger.Info("server.listening", "addr", listenAddr, "model", modelID)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server.serve_failed", "error", err.Error())
		log.Fatalf("server failed: %v", err)
	}
	logger.Info("server.stopped")
}
