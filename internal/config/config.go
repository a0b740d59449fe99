package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database DatabaseConfig
	FaceAPI  FaceAPIConfig
	Engine   EngineConfig
	Notify   NotifyConfig
	Log      LogConfig
	Web      WebConfig
}

type DatabaseConfig struct {
	URL          string // postgres://... or mysql DSN (user:pass@tcp(host:3306)/db)
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// Driver returns the SQL driver implied by the URL scheme.
func (c *DatabaseConfig) Driver() string {
	switch {
	case c.URL == "":
		return ""
	case strings.HasPrefix(c.URL, "postgres://"), strings.HasPrefix(c.URL, "postgresql://"):
		return "postgres"
	default:
		return "mysql"
	}
}

type FaceAPIConfig struct {
	URL     string        // defaults to http://localhost:8000
	Timeout time.Duration // per request
}

// EngineConfig tunes matching, smoothing, the frame pipeline and session persistence.
type EngineConfig struct {
	MatchThreshold     float64       `yaml:"match_threshold"`
	MarkThreshold      float64       `yaml:"mark_threshold"`
	HistorySize        int           `yaml:"history_size"`
	UnknownDebounce    int           `yaml:"unknown_debounce"`
	SmoothingWindow    time.Duration `yaml:"smoothing_window"`
	BucketSize         int           `yaml:"bucket_size"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	Workers            int           `yaml:"workers"`
	DequeueTimeout     time.Duration `yaml:"dequeue_timeout"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
	FlushSize          int           `yaml:"flush_size"`
	CropSize           int           `yaml:"crop_size"`
	CollisionThreshold float64       `yaml:"collision_threshold"`
}

type NotifyConfig struct {
	NATSURL       string
	NATSSubject   string
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SMTPFrom      string
	ContactsFile  string // YAML map of identity -> e-mail contact
	RatePerSecond float64
	QueueSize     int
}

// SMTPEnabled reports whether enough SMTP settings are present to send mail.
func (c *NotifyConfig) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // optional rotating log file
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins string // comma-separated CORS origins
	APIToken       string // bearer token for the API, empty disables auth
}

type defaultsFile struct {
	Engine EngineConfig `yaml:"engine"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float, falling back on unset or invalid values.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a time.Duration ("500ms", "2s").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// DefaultEngine returns the engine defaults embedded in defaults.yaml.
func DefaultEngine() EngineConfig {
	var defaults defaultsFile
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		// Embedded file, so this only fires on a broken build.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return defaults.Engine
}

func Load() *Config {
	eng := DefaultEngine()

	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		FaceAPI: FaceAPIConfig{
			URL:     os.Getenv("FACE_API_URL"),
			Timeout: envDuration("FACE_API_TIMEOUT", 10*time.Second),
		},
		Engine: EngineConfig{
			MatchThreshold:     envFloat("MATCH_THRESHOLD", eng.MatchThreshold),
			MarkThreshold:      envFloat("MARK_THRESHOLD", eng.MarkThreshold),
			HistorySize:        envInt("TRACK_HISTORY_SIZE", eng.HistorySize),
			UnknownDebounce:    envInt("TRACK_UNKNOWN_DEBOUNCE", eng.UnknownDebounce),
			SmoothingWindow:    envDuration("TRACK_SMOOTHING_WINDOW", eng.SmoothingWindow),
			BucketSize:         envInt("TRACK_BUCKET_SIZE", eng.BucketSize),
			QueueCapacity:      envInt("PIPELINE_QUEUE_CAPACITY", eng.QueueCapacity),
			Workers:            envInt("PIPELINE_WORKERS", eng.Workers),
			DequeueTimeout:     envDuration("PIPELINE_DEQUEUE_TIMEOUT", eng.DequeueTimeout),
			StopTimeout:        envDuration("PIPELINE_STOP_TIMEOUT", eng.StopTimeout),
			FlushSize:          envInt("SESSION_FLUSH_SIZE", eng.FlushSize),
			CropSize:           envInt("FACE_CROP_SIZE", eng.CropSize),
			CollisionThreshold: envFloat("ENROLL_COLLISION_THRESHOLD", eng.CollisionThreshold),
		},
		Notify: NotifyConfig{
			NATSURL:       os.Getenv("NATS_URL"),
			NATSSubject:   envString("NATS_SUBJECT", "attendance.marked"),
			SMTPHost:      os.Getenv("SMTP_HOST"),
			SMTPPort:      envInt("SMTP_PORT", 587),
			SMTPUser:      os.Getenv("SMTP_USER"),
			SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
			SMTPFrom:      os.Getenv("SMTP_FROM"),
			ContactsFile:  os.Getenv("NOTIFY_CONTACTS_FILE"),
			RatePerSecond: envFloat("NOTIFY_RATE", 5),
			QueueSize:     envInt("NOTIFY_QUEUE_SIZE", 64),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "console"),
			File:   os.Getenv("LOG_FILE"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: os.Getenv("WEB_ALLOWED_ORIGINS"),
			APIToken:       os.Getenv("WEB_API_TOKEN"),
		},
	}
}

// Validate checks the engine settings for values the pipeline cannot run with.
func (e *EngineConfig) Validate() error {
	var errs []error
	if e.MatchThreshold < -1 || e.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("match threshold %.3f outside [-1, 1]", e.MatchThreshold))
	}
	if e.MarkThreshold < -1 || e.MarkThreshold > 1 {
		errs = append(errs, fmt.Errorf("mark threshold %.3f outside [-1, 1]", e.MarkThreshold))
	}
	if e.HistorySize < 1 {
		errs = append(errs, errors.New("history size must be at least 1"))
	}
	if e.UnknownDebounce < 1 || e.UnknownDebounce > e.HistorySize {
		errs = append(errs, fmt.Errorf("unknown debounce %d must be in [1, history size %d]", e.UnknownDebounce, e.HistorySize))
	}
	if e.SmoothingWindow <= 0 {
		errs = append(errs, errors.New("smoothing window must be positive"))
	}
	if e.BucketSize < 1 {
		errs = append(errs, errors.New("bucket size must be at least 1"))
	}
	if e.QueueCapacity < 1 {
		errs = append(errs, errors.New("queue capacity must be at least 1"))
	}
	if e.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if e.DequeueTimeout <= 0 || e.StopTimeout <= 0 {
		errs = append(errs, errors.New("dequeue and stop timeouts must be positive"))
	}
	if e.FlushSize < 1 {
		errs = append(errs, errors.New("flush size must be at least 1"))
	}
	return errors.Join(errs...)
}
