package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Frames   FramesConfig
	Camera   CameraConfig
	Match    MatchConfig
	Worker   WorkerConfig
	Enroll   EnrollConfig
	Vision   VisionConfig
	Registry RegistryConfig
	Speech   SpeechConfig
	Captures CapturesConfig
	NATS     NATSConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Host        string
	Port        int `validate:"min=1,max=65535"`
	CORSOrigins []string
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
}

type FramesConfig struct {
	Capacity int           `validate:"min=1"`
	MaxAge   time.Duration `validate:"gt=0"`
}

type CameraConfig struct {
	Device     string
	URL        string
	TestImages string
	Interval   time.Duration `validate:"gt=0"`
}

type MatchConfig struct {
	MaxDistance float64 `validate:"gt=0"`
	Threshold   float64 `validate:"gte=0,lte=1"`
	Metric      string  `validate:"oneof=euclidean cosine"`
}

type WorkerConfig struct {
	Python  string        `validate:"required"`
	Script  string        `validate:"required"`
	Timeout time.Duration `validate:"gt=0"`
}

// EnrollConfig screens enrollment photos. Zero disables a check.
type EnrollConfig struct {
	MinScore  float64 `validate:"gte=0,lte=1"`
	MinFacePx int     `validate:"gte=0"`
}

type VisionConfig struct {
	URL     string `validate:"required,url"`
	Model   string `validate:"required"`
	Prompt  string
	Timeout time.Duration `validate:"gt=0"`
}

type RegistryConfig struct {
	Driver string `validate:"oneof=sqlite postgres memory"`
	Path   string
	URL    string
}

// DSN returns the connection string for the configured driver.
func (c RegistryConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}

type SpeechConfig struct {
	Command string
}

type CapturesConfig struct {
	Dir string
}

type NATSConfig struct {
	URL string
}

type MetricsConfig struct {
	Namespace string `validate:"required"`
}

// Load reads configuration from envFile (".env" when empty) and then from
// the process environment, which wins. A missing default .env is ignored;
// a missing explicit file is an error.
func Load(envFile string) (*Config, error) {
	k := koanf.New(".")

	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	if err := k.Load(file.Provider(envFile), dotenv.ParserEnv("", ".", envKey)); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	// Environment variables override .env
	err := k.Load(env.Provider("", ".", envKey), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        k.String("server.host"),
			Port:        k.Int("server.port"),
			CORSOrigins: splitList(k.String("server.cors.origins")),
		},
		Log: LogConfig{
			Level:  strings.ToLower(k.String("log.level")),
			Format: strings.ToLower(k.String("log.format")),
		},
		Frames: FramesConfig{
			Capacity: k.Int("frames.capacity"),
		},
		Camera: CameraConfig{
			Device:     k.String("camera.device"),
			URL:        k.String("camera.url"),
			TestImages: k.String("camera.test.images"),
		},
		Match: MatchConfig{
			MaxDistance: k.Float64("match.max.distance"),
			Threshold:   k.Float64("match.threshold"),
			Metric:      strings.ToLower(k.String("match.metric")),
		},
		Worker: WorkerConfig{
			Python: k.String("worker.python"),
			Script: k.String("worker.script"),
		},
		Enroll: EnrollConfig{
			MinScore:  k.Float64("enroll.min.score"),
			MinFacePx: k.Int("enroll.min.face.px"),
		},
		Vision: VisionConfig{
			URL:    k.String("vision.url"),
			Model:  k.String("vision.model"),
			Prompt: k.String("vision.prompt"),
		},
		Registry: RegistryConfig{
			Driver: strings.ToLower(k.String("registry.driver")),
			Path:   k.String("registry.path"),
			URL:    k.String("db.url"),
		},
		Speech: SpeechConfig{
			Command: k.String("speech.command"),
		},
		Captures: CapturesConfig{
			Dir: k.String("captures.dir"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Metrics: MetricsConfig{
			Namespace: k.String("metrics.namespace"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Frames.Capacity == 0 {
		cfg.Frames.Capacity = 30
	}
	if cfg.Camera.Device == "" {
		cfg.Camera.Device = "/dev/video0"
	}
	if cfg.Match.MaxDistance == 0 {
		cfg.Match.MaxDistance = 0.6
	}
	if !k.Exists("match.threshold") {
		cfg.Match.Threshold = 0.6
	}
	if cfg.Match.Metric == "" {
		cfg.Match.Metric = "euclidean"
	}
	if cfg.Worker.Python == "" {
		cfg.Worker.Python = "python3"
	}
	if cfg.Worker.Script == "" {
		cfg.Worker.Script = "python/worker.py"
	}
	if !k.Exists("enroll.min.score") {
		cfg.Enroll.MinScore = 0.5
	}
	if !k.Exists("enroll.min.face.px") {
		cfg.Enroll.MinFacePx = 64
	}
	if cfg.Vision.URL == "" {
		cfg.Vision.URL = "http://localhost:11434/api/chat"
	}
	if cfg.Vision.Model == "" {
		cfg.Vision.Model = "gemma3:4b"
	}
	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = "sqlite"
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "data/doorsight.db"
	}
	if cfg.Registry.URL == "" {
		cfg.Registry.URL = postgresFromEnv(k)
	}
	if !k.Exists("captures.dir") {
		cfg.Captures.Dir = "data/captures"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "doorsight"
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"frames.max.age", "10s", &cfg.Frames.MaxAge},
		{"camera.interval", "100ms", &cfg.Camera.Interval},
		{"worker.timeout", "30s", &cfg.Worker.Timeout},
		{"vision.timeout", "60s", &cfg.Vision.Timeout},
	}
	for _, d := range durations {
		s := k.String(d.key)
		if s == "" {
			s = d.def
		}
		if *d.dest, err = time.ParseDuration(s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", envName(d.key), err)
		}
	}

	return cfg, nil
}

// postgresFromEnv builds a DSN from the POSTGRES_* variables, falling back
// to a local database.
func postgresFromEnv(k *koanf.Koanf) string {
	host := k.String("postgres.host")
	if host == "" {
		return "postgres://localhost:5432/doorsight"
	}
	port := k.String("postgres.port")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		k.String("postgres.user"), k.String("postgres.password"), host, port, k.String("postgres.db"))
}

// Validate checks ranges and enumerations, reporting every problem at once.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fieldEnvName(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return errors.New("config validation failed:\n  " + strings.Join(msgs, "\n  "))
}

// fieldEnvName maps "Config.Match.MaxDistance" to "MATCH_MAX_DISTANCE".
func fieldEnvName(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('_')
		}
		for j, r := range p {
			if j > 0 && r >= 'A' && r <= 'Z' && !(p[j-1] >= 'A' && p[j-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(b.String())
}

// envKey maps SERVER_PORT to server.port.
func envKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "."))
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
