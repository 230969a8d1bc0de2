// Package config loads framepipe settings from an optional .env file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"framepipe/internal/auth"
	"framepipe/internal/detection"
	"framepipe/internal/frame"
	"framepipe/internal/telegram"
)

const (
	SourcePattern = "pattern"
	SourceFFmpeg  = "ffmpeg"
)

type Config struct {
	Source        string // pattern or ffmpeg
	Device        string // ffmpeg input: /dev/videoN, rtsp://, http(s):// or a file
	Width         int
	Height        int
	FPS           int
	PatternFrames int    // Stop the pattern source after N frames, 0 runs forever
	Sink          string // ffmpeg output arguments, empty discards frames
	SinkDepth     int

	InferenceEndpoint  string // Empty disables inference
	InferenceInputSize int
	InferenceTimeout   time.Duration
	JPEGQuality        int
	IoUThreshold       float64
	ConfThreshold      float64
	RerunStale         bool
	VerifyFrames       bool // Checksum frames at capture and check them before inference

	HTTPAddr    string
	DBPath      string        // Empty disables the detection log
	DBRetention time.Duration // Age after which results are deleted, 0 keeps them
	RecordEmpty bool

	Auth     auth.Config
	Telegram telegram.Config

	LogLevel string
	Debug    bool
}

// Shape returns the configured frame shape
func (c *Config) Shape() frame.Shape {
	return frame.Shape{Width: c.Width, Height: c.Height, Channels: frame.DefaultShape.Channels}
}

// Filter returns the detection filter thresholds
func (c *Config) Filter() detection.Options {
	return detection.Options{
		IoUThreshold:  float32(c.IoUThreshold),
		ConfThreshold: float32(c.ConfThreshold),
	}
}

// Load reads .env, the environment and then args (usually os.Args[1:])
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	defaults := detection.DefaultOptions()
	cfg := &Config{
		Source:        getEnv("FRAMEPIPE_SOURCE", SourcePattern),
		Device:        getEnv("FRAMEPIPE_DEVICE", "/dev/video0"),
		Width:         getEnvAsInt("FRAMEPIPE_WIDTH", frame.DefaultShape.Width),
		Height:        getEnvAsInt("FRAMEPIPE_HEIGHT", frame.DefaultShape.Height),
		FPS:           getEnvAsInt("FRAMEPIPE_FPS", 30),
		PatternFrames: getEnvAsInt("FRAMEPIPE_PATTERN_FRAMES", 0),
		Sink:          getEnv("FRAMEPIPE_SINK", ""),
		SinkDepth:     getEnvAsInt("FRAMEPIPE_SINK_DEPTH", 4),

		InferenceEndpoint:  getEnv("INFERENCE_ENDPOINT", ""),
		InferenceInputSize: getEnvAsInt("INFERENCE_INPUT_SIZE", 640),
		InferenceTimeout:   getEnvAsDuration("INFERENCE_TIMEOUT", 2*time.Second),
		JPEGQuality:        getEnvAsInt("INFERENCE_JPEG_QUALITY", 85),
		IoUThreshold:       getEnvAsFloat("IOU_THRESHOLD", float64(defaults.IoUThreshold)),
		ConfThreshold:      getEnvAsFloat("CONF_THRESHOLD", float64(defaults.ConfThreshold)),
		RerunStale:         getEnvAsBool("RERUN_STALE", false),
		VerifyFrames:       getEnvAsBool("VERIFY_FRAMES", false),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DBPath:      getEnv("DB_PATH", ""),
		DBRetention: getEnvAsDuration("DB_RETENTION", 0),
		RecordEmpty: getEnvAsBool("RECORD_EMPTY", false),

		Auth: auth.Config{
			Enabled:   getEnvAsBool("AUTH_ENABLED", false),
			Username:  getEnv("AUTH_USERNAME", "admin"),
			Password:  getEnv("AUTH_PASSWORD", ""),
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTExpiry: getEnv("JWT_EXPIRY", ""),
		},

		Telegram: telegram.Config{
			Enabled:         getEnvAsBool("TELEGRAM_ENABLED", false),
			BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:          getEnv("TELEGRAM_CHAT_ID", ""),
			CooldownSeconds: getEnvAsInt("TELEGRAM_COOLDOWN_SECONDS", 30),
			MinScore:        getEnvAsFloat("ALERT_MIN_SCORE", 0.5),
			Labels:          getEnvAsInts("ALERT_LABELS"),
		},

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Debug:    getEnvAsBool("DEBUG", false),
	}

	flags := flag.NewFlagSet("framepipe", flag.ContinueOnError)
	flags.StringVar(&cfg.Source, "source", cfg.Source, "Frame source (valid values: pattern, ffmpeg)")
	flags.StringVar(&cfg.Device, "device", cfg.Device, "ffmpeg input device, URL or file")
	flags.IntVar(&cfg.Width, "width", cfg.Width, "Frame width")
	flags.IntVar(&cfg.Height, "height", cfg.Height, "Frame height")
	flags.IntVar(&cfg.FPS, "fps", cfg.FPS, "Capture frame rate")
	flags.IntVar(&cfg.PatternFrames, "frames", cfg.PatternFrames, "Number of pattern frames, 0 for unlimited")
	flags.StringVar(&cfg.Sink, "sink", cfg.Sink, "ffmpeg output arguments for the display sink")
	flags.IntVar(&cfg.SinkDepth, "sink-depth", cfg.SinkDepth, "Frames queued for the sink before capture pauses")
	flags.StringVar(&cfg.InferenceEndpoint, "inference", cfg.InferenceEndpoint, "Inference gRPC endpoint (host:port)")
	flags.IntVar(&cfg.InferenceInputSize, "input-size", cfg.InferenceInputSize, "Model input size, 0 sends full frames")
	flags.Float64Var(&cfg.IoUThreshold, "iou", cfg.IoUThreshold, "NMS IoU threshold")
	flags.Float64Var(&cfg.ConfThreshold, "conf", cfg.ConfThreshold, "Detection confidence threshold")
	flags.BoolVar(&cfg.RerunStale, "rerun-stale", cfg.RerunStale, "Run inference again on the last frame when no new frame arrived")
	flags.BoolVar(&cfg.VerifyFrames, "verify", cfg.VerifyFrames, "Checksum frames between capture and inference")
	flags.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "Monitoring HTTP listen address, empty disables it")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite detection log path, empty disables it")
	flags.DurationVar(&cfg.DBRetention, "db-retention", cfg.DBRetention, "Delete logged results older than this, 0 keeps them")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Development logging and request debugging")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Source {
	case SourcePattern:
	case SourceFFmpeg:
		if c.Device == "" {
			errs = append(errs, errors.New("ffmpeg source requires a device"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid source %q (valid values: pattern, ffmpeg)", c.Source))
	}
	if err := c.Shape().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.FPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be positive, got %d", c.FPS))
	}
	if c.PatternFrames < 0 {
		errs = append(errs, fmt.Errorf("frames must not be negative, got %d", c.PatternFrames))
	}
	if c.SinkDepth <= 0 {
		errs = append(errs, fmt.Errorf("sink depth must be positive, got %d", c.SinkDepth))
	}
	if c.InferenceInputSize < 0 {
		errs = append(errs, fmt.Errorf("input size must not be negative, got %d", c.InferenceInputSize))
	}
	if c.InferenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("inference timeout must be positive, got %s", c.InferenceTimeout))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be in [1, 100], got %d", c.JPEGQuality))
	}
	if c.DBRetention < 0 {
		errs = append(errs, fmt.Errorf("db retention must not be negative, got %s", c.DBRetention))
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		errs = append(errs, errors.New("AUTH_ENABLED requires AUTH_PASSWORD"))
	}
	if err := telegram.ValidateConfig(c.Telegram); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsInts parses a comma separated list, skipping invalid entries
func getEnvAsInts(key string) []int {
	var out []int
	for _, field := range strings.Split(os.Getenv(key), ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(field)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
