package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zapflow/internal/ai"
	"zapflow/internal/api"
	"zapflow/internal/automation"
	"zapflow/internal/campaign"
	"zapflow/internal/config"
	"zapflow/internal/database"
	"zapflow/internal/logger"
	"zapflow/internal/models"
	"zapflow/internal/pacer"
	"zapflow/internal/sender"
	"zapflow/internal/store"
	"zapflow/internal/tracker"
	"zapflow/internal/webhook"
	"zapflow/internal/whatsapp"
	"zapflow/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "optional INI file with default settings")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server stopped")
}

func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.DBDriver == "memory" {
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		return store.NewMemory(), nil
	}
	db, err := database.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := database.SyncConfig(db, cfg, log); err != nil {
		return nil, err
	}
	return store.NewGorm(db), nil
}

// transport is the raw send capability plus, for a linked device, the
// session that must be paired and closed.
type transport struct {
	sender.Sender
	device *whatsapp.Device
}

func openTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (transport, error) {
	switch cfg.Transport {
	case "cloud", "":
		return transport{Sender: whatsapp.NewClient(cfg)}, nil
	case "device":
		d, err := whatsapp.OpenDevice(ctx, cfg.DeviceStorePath, log)
		if err != nil {
			return transport{}, err
		}
		return transport{Sender: d, device: d}, nil
	case "log":
		return transport{Sender: sender.NewLog(log)}, nil
	default:
		return transport{}, fmt.Errorf("unknown TRANSPORT %q", cfg.Transport)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	tr, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	gate := sender.NewGate(tr.Sender, cfg.Pacing.GlobalInterval)

	retry := store.Backoff{Base: cfg.StoreRetryBase, Max: cfg.StoreRetryMax}
	hub := ws.NewHub(log)
	acks := tracker.New(st, log)
	gateway := ai.Bounded(ai.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, models.DefaultModel), cfg.AITimeout)
	router := automation.NewRouter(automation.RouterConfig{
		Store:         st,
		Gateway:       gateway,
		Sender:        gate,
		Notifier:      hub,
		Retry:         retry,
		HistoryWindow: cfg.AIHistoryWindow,
		Logger:        log,
	})
	dispatcher := campaign.NewDispatcher(campaign.Deps{
		Store:    st,
		Tracker:  acks,
		Pacer:    pacer.New(pacer.FromConfig(cfg.Pacing)),
		Sender:   gate,
		Notifier: hub,
		Retry:    retry,
		Logger:   log,
	})

	if tr.device != nil {
		tr.device.Attach(router, acks)
		if err := tr.device.Connect(ctx); err != nil {
			return fmt.Errorf("connect device: %w", err)
		}
		defer tr.device.Close()
	}

	if n, err := dispatcher.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to recover running campaigns")
	} else if n > 0 {
		log.Info().Int("campaigns", n).Msg("Recovered running campaigns")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newEngine(cfg, st, gate, hub, router, acks, dispatcher, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Relay(gctx, st.Feed(), store.ChatbotConfig, store.ChatbotRules, store.Campaigns)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("transport", cfg.Transport).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := router.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("router close: %w", err))
		}
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newEngine(
	cfg *config.Config,
	st store.Store,
	gate sender.Sender,
	hub *ws.Hub,
	router *automation.Router,
	acks *tracker.Tracker,
	dispatcher *campaign.Dispatcher,
	log zerolog.Logger,
) *gin.Engine {
	if log.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), api.RequestLogger(log), api.CORS())

	webhookHandler := webhook.NewHandler(cfg, router, acks, log)
	r.GET("/webhook", webhookHandler.VerifyWebhook)
	r.POST("/webhook", webhookHandler.HandleMessage)

	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request)
	})

	apiGroup := r.Group("/api")
	api.NewContactHandler(st, log).Register(apiGroup)
	api.NewCampaignHandler(st, dispatcher).Register(apiGroup)
	api.NewChatbotHandler(automation.NewSettings(st)).Register(apiGroup)
	api.NewConversationHandler(st, gate, hub, log).Register(apiGroup)
	return r
}
