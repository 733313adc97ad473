package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/adapters/llm"
	"github.com/satriahrh/callbridge/adapters/mongo"
	"github.com/satriahrh/callbridge/adapters/redis"
	"github.com/satriahrh/callbridge/adapters/rules"
	"github.com/satriahrh/callbridge/adapters/stt"
	"github.com/satriahrh/callbridge/adapters/tts"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/api"
	"github.com/satriahrh/callbridge/internal/audiosocket"
	"github.com/satriahrh/callbridge/internal/config"
	"github.com/satriahrh/callbridge/internal/metrics"
	"github.com/satriahrh/callbridge/internal/routing"
	"github.com/satriahrh/callbridge/internal/synth"
	"github.com/satriahrh/callbridge/internal/transfer"
	"github.com/satriahrh/callbridge/internal/websocket"
	"github.com/satriahrh/callbridge/internal/whisper"
	"github.com/satriahrh/callbridge/usecase"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}

	// Initialize logger
	logger, err := config.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("callbridge", logger)

	// Storage
	var calls repositories.CallRepository
	var ruleRepo repositories.RuleRepository = rules.NewFileRuleRepository(cfg.RulesPath, logger)
	if cfg.MongoURI != "" {
		client, err := mongo.NewClient(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer client.Close(context.Background())
		calls = mongo.NewCallRepository(client.Database)
		if cfg.RulesSource == "mongo" {
			ruleRepo = mongo.NewRuleRepository(client.Database)
		}
	} else {
		logger.Warn("MONGODB_URI not set - call records will not be stored")
	}

	// Supervisor hub, optionally mirrored to Redis
	var sinks []websocket.EventSink
	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(ctx, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer client.Close()
		mirror := redis.NewEventMirror(client, redis.Config{}, logger)
		mirror.Start()
		defer mirror.Stop()
		sinks = append(sinks, mirror)
	}
	hub := websocket.NewHub(collector, logger, sinks...)

	// Upstream services
	var (
		speechToText repositories.SpeechToText
		textToSpeech repositories.TextToSpeech
		model        repositories.LargeLanguageModel
	)
	if cfg.UseMocks {
		logger.Warn("USE_MOCKS set - serving calls with mock speech and LLM")
		speechToText = stt.NewMockSpeechToText(logger)
		textToSpeech = tts.NewMockTextToSpeech(logger)
		model = llm.NewMockLLM(logger)
	} else {
		gemini, err := llm.NewGeminiLLM(ctx, llm.GeminiConfig{APIKey: cfg.GoogleAIAPIKey, Model: cfg.GeminiModel}, logger)
		if err != nil {
			logger.Fatal("Failed to create Gemini client", zap.Error(err))
		}
		model = gemini

		elevenLabs, err := tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to create Eleven Labs client", zap.Error(err))
		}
		textToSpeech = elevenLabs

		if cfg.UseGoogleSpeech {
			google, err := stt.NewGoogleSpeechToText(ctx, logger)
			if err != nil {
				logger.Fatal("Failed to create Google Speech client", zap.Error(err))
			}
			defer google.Close()
			speechToText = google
		} else {
			logger.Warn("GOOGLE_SPEECH_ENABLED not set - using mock speech recognition")
			speechToText = stt.NewMockSpeechToText(logger)
		}
	}

	// Routing
	store := routing.NewRuleStore(nil)
	if _, err := store.Load(ctx, ruleRepo); err != nil {
		logger.Fatal("Failed to load routing rules", zap.Error(err))
	}
	refresher := routing.NewRefresher(store, ruleRepo, cfg.RulesRefresh, logger)
	refresher.Start()
	defer refresher.Stop()

	router := routing.NewRouter(store, model, model, cfg.Directory, cfg.Routing, collector, logger)

	// Transfers
	coordinator, err := transfer.NewCoordinator(cfg.Transfer, logger)
	if err != nil {
		logger.Fatal("Failed to create transfer coordinator", zap.Error(err))
	}
	sweeper := transfer.NewSweeper(coordinator, cfg.SweepInterval, func(callID string) {
		hub.Publish(callID, entities.AlertEvent(callID, entities.PriorityCritical, "Перевод звонка не состоялся"))
	}, logger)
	sweeper.Start()
	defer sweeper.Stop()

	// Replies and supervisor hints
	synthesizer, err := synth.NewSynthesizer(textToSpeech, cfg.Synth, collector, logger)
	if err != nil {
		logger.Fatal("Failed to create synthesizer", zap.Error(err))
	}
	clips := whisper.NewClipStore(cfg.ClipTTL, logger)
	clips.Start()
	defer clips.Stop()
	advisor := whisper.NewAdvisor(model, synthesizer, clips, hub, cfg.Whisper, collector, logger)

	callService, err := usecase.NewCallService(usecase.CallServiceDeps{
		SpeechToText: speechToText,
		Router:       router,
		Speaker:      synthesizer,
		Advisor:      advisor,
		Publisher:    hub,
		Calls:        calls,
		Metrics:      collector,
	}, usecase.CallServiceConfig{
		Greeting: cfg.Greeting,
		Speech:   cfg.Speech,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create call service", zap.Error(err))
	}

	// AudioSocket listener
	audioServer, err := audiosocket.NewServer(audiosocket.ServerConfig{
		Address:     cfg.AudioSocketAddress,
		MaxSessions: cfg.MaxSessions,
		Session:     cfg.Session,
	}, audiosocket.Dependencies{
		Bridge:     callService,
		Publisher:  hub,
		Transferer: coordinator,
		Metrics:    collector,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create AudioSocket server", zap.Error(err))
	}
	go func() {
		if err := audioServer.ListenAndServe(context.Background()); err != nil {
			logger.Error("AudioSocket server stopped", zap.Error(err))
			stop()
		}
	}()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Hub:     hub,
		Calls:   audioServer,
		History: calls,
		Clips:   clips,
		Suggest: callService.RequestSuggestion,
		Metrics: collector,
	}, logger)

	go func() {
		if err := e.Start(cfg.HTTPAddress); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()

	logger.Info("callbridge started",
		zap.String("httpAddress", cfg.HTTPAddress),
		zap.String("audioSocketAddress", cfg.AudioSocketAddress))

	<-ctx.Done()
	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := audioServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("AudioSocket sessions did not finish in time", zap.Error(err))
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
