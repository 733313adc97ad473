package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/satriahrh/callbridge/internal/audiosocket"
	"github.com/satriahrh/callbridge/internal/routing"
	"github.com/satriahrh/callbridge/internal/speech"
	"github.com/satriahrh/callbridge/internal/synth"
	"github.com/satriahrh/callbridge/internal/transfer"
	"github.com/satriahrh/callbridge/internal/whisper"
)

// Config is the process configuration, read from the environment
type Config struct {
	HTTPAddress        string
	AudioSocketAddress string
	MaxSessions        int64
	ShutdownTimeout    time.Duration

	Session  audiosocket.SessionConfig
	Speech   speech.Config
	Routing  routing.Config
	Synth    synth.Config
	Whisper  whisper.Config
	Transfer transfer.Config

	// Directory maps routes to switch addresses, "route=address,..."
	Directory routing.Directory
	RulesPath string
	// RulesSource is "file" or "mongo"
	RulesSource   string
	RulesRefresh  time.Duration
	SweepInterval time.Duration
	ClipTTL       time.Duration
	Greeting      string

	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GoogleAIAPIKey   string
	GeminiModel      string
	ElevenLabsAPIKey string
	UseGoogleSpeech  bool
	UseMocks         bool
}

const defaultGreeting = "Здравствуйте! Я AI ассистент. Чем могу вам помочь?"

// LoadDotEnv loads .env into the environment if present. Variables already
// set win.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL
func NewLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if os.Getenv("LOG_FORMAT") == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		level, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	return cfg.Build()
}

// Load reads the configuration from the environment
func Load(logger *zap.Logger) (Config, error) {
	logger = logger.With(zap.String("component", "config"))
	r := &reader{logger: logger}

	c := Config{
		HTTPAddress:        r.httpAddress(),
		AudioSocketAddress: r.string("AUDIOSOCKET_ADDRESS", ":9092"),
		MaxSessions:        int64(r.int("MAX_SESSIONS", 100)),
		ShutdownTimeout:    r.duration("SHUTDOWN_TIMEOUT", 10*time.Second),

		Session: audiosocket.SessionConfig{
			MaxPayload:      r.int("AUDIOSOCKET_MAX_PAYLOAD", audiosocket.DefaultMaxPayload),
			IdleTimeout:     r.duration("AUDIOSOCKET_IDLE_TIMEOUT", 10*time.Second),
			WriteTimeout:    r.duration("AUDIOSOCKET_WRITE_TIMEOUT", 2*time.Second),
			TransferTimeout: r.duration("TRANSFER_TIMEOUT", 30*time.Second),
			FlushTimeout:    r.duration("FLUSH_TIMEOUT", 5*time.Second),
		},
		Speech: speech.Config{
			Language:        r.string("STT_LANGUAGE", "ru-RU"),
			EnergyThreshold: r.float("VAD_ENERGY_THRESHOLD", 0),
			EndSilence:      r.duration("VAD_END_SILENCE", 0),
			MaxWindow:       r.duration("VAD_MAX_WINDOW", 0),
			RequestTimeout:  r.duration("STT_TIMEOUT", 0),
		},
		Routing: routing.Config{
			ClassifierThreshold: r.float("ROUTING_CONFIDENCE_THRESHOLD", 0.7),
			ClassifyTimeout:     r.duration("LLM_CLASSIFY_TIMEOUT", 0),
			ReplyTimeout:        r.duration("LLM_REPLY_TIMEOUT", 0),
			MaxAITurns:          r.int("AI_CONSULTANT_MAX_TURNS", 10),
		},
		Synth: synth.Config{
			Voice:          os.Getenv("TTS_VOICE"),
			RequestTimeout: r.duration("TTS_TIMEOUT", 0),
			FallbackPath:   os.Getenv("TTS_FALLBACK_PATH"),
		},
		Whisper: whisper.Config{
			Timeout: r.duration("SUPERVISOR_TIMEOUT", 0),
		},
		Transfer: transfer.Config{
			SpoolDir:   r.string("TRANSFER_SPOOL_DIR", "/tmp"),
			StaleAfter: r.duration("TRANSFER_STALE_AFTER", 60*time.Second),
		},

		RulesPath:     r.string("ROUTING_RULES_PATH", "config/routing_rules.yaml"),
		RulesSource:   r.string("ROUTING_RULES_SOURCE", "file"),
		RulesRefresh:  r.duration("ROUTING_RULES_REFRESH", time.Minute),
		SweepInterval: r.duration("TRANSFER_SWEEP_INTERVAL", 15*time.Second),
		ClipTTL:       r.duration("WHISPER_CLIP_TTL", 10*time.Minute),
		Greeting:      r.string("GREETING", defaultGreeting),

		MongoURI:      os.Getenv("MONGODB_URI"),
		MongoDatabase: os.Getenv("MONGODB_DATABASE"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       r.int("REDIS_DB", 0),

		GoogleAIAPIKey:   os.Getenv("GOOGLE_AI_API_KEY"),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		ElevenLabsAPIKey: os.Getenv("ELEVEN_LABS_API_KEY"),
		UseGoogleSpeech:  r.bool("GOOGLE_SPEECH_ENABLED", false),
		UseMocks:         r.bool("USE_MOCKS", false),
	}

	if dir := os.Getenv("ROUTING_DIRECTORY"); dir != "" {
		d, err := routing.ParseDirectory(dir)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("ROUTING_DIRECTORY: %w", err))
		}
		c.Directory = d
	} else {
		c.Directory = routing.DefaultDirectory()
	}

	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.HTTPAddress == "" {
		return errors.New("HTTP address is required")
	}
	if c.AudioSocketAddress == "" {
		return errors.New("AudioSocket address is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.Session.MaxPayload < 0 || c.Session.MaxPayload > 0xffff {
		return fmt.Errorf("AUDIOSOCKET_MAX_PAYLOAD must fit a 16-bit length, got %d", c.Session.MaxPayload)
	}
	if c.Routing.ClassifierThreshold < 0 || c.Routing.ClassifierThreshold > 1 {
		return fmt.Errorf("ROUTING_CONFIDENCE_THRESHOLD must be between 0 and 1, got %f", c.Routing.ClassifierThreshold)
	}
	if strings.TrimSpace(c.Transfer.SpoolDir) == "" {
		return errors.New("TRANSFER_SPOOL_DIR is required")
	}
	switch c.RulesSource {
	case "file":
	case "mongo":
		if c.MongoURI == "" {
			return errors.New("ROUTING_RULES_SOURCE=mongo requires MONGODB_URI")
		}
	default:
		return fmt.Errorf("unknown ROUTING_RULES_SOURCE %q", c.RulesSource)
	}
	if err := c.Speech.Validate(); err != nil {
		return err
	}
	if !c.UseMocks {
		if c.GoogleAIAPIKey == "" {
			return errors.New("GOOGLE_AI_API_KEY is required unless USE_MOCKS is set")
		}
		if c.ElevenLabsAPIKey == "" {
			return errors.New("ELEVEN_LABS_API_KEY is required unless USE_MOCKS is set")
		}
	}
	return nil
}

type reader struct {
	logger *zap.Logger
	errs   []error
}

func (r *reader) httpAddress() string {
	if addr := os.Getenv("HTTP_ADDRESS"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	r.logger.Info("Using default HTTP address", zap.String("address", ":8080"))
	return ":8080"
}

func (r *reader) string(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if def != "" {
		r.logger.Info("Using default "+key, zap.String("value", def))
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (r *reader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}
