package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/streamsched/internal/nodes/text"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數覆寫前綴，例如 STREAMSCHED_SCHEDULER_POLL_INTERVAL
const EnvPrefix = "STREAMSCHED"

// Config represents the complete system configuration structure.
// Fields map to the YAML file through yaml tags and to environment overrides
// named STREAMSCHED_<SECTION>_<FIELD> (split_words). No field has a bare
// alternate name, so PATH or PORT in the environment is never read.
type Config struct {
	Scheduler struct {
		PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
		StopTimeout  time.Duration `yaml:"stop_timeout" split_words:"true"`
		Realtime     bool          `yaml:"realtime" split_words:"true"`
	} `yaml:"scheduler"`

	Text struct {
		Codec          string `yaml:"codec" split_words:"true"`
		RedundantLevel int    `yaml:"redundant_level" split_words:"true"`
		Bitrate        int    `yaml:"bitrate" split_words:"true"`
	} `yaml:"text"`

	DTMF struct {
		PtimeMs     uint32        `yaml:"ptime_ms" split_words:"true"`
		PayloadType uint8         `yaml:"payload_type" split_words:"true"`
		Duration    time.Duration `yaml:"duration" split_words:"true"`
	} `yaml:"dtmf"`

	RTP struct {
		PayloadType uint8  `yaml:"payload_type" split_words:"true"`
		SSRC        uint32 `yaml:"ssrc" split_words:"true"`
		ClockRate   uint32 `yaml:"clock_rate" split_words:"true"`
		RemoteAddr  string `yaml:"remote_addr" split_words:"true"`
	} `yaml:"rtp"`

	Snapshot struct {
		Path     string        `yaml:"path" split_words:"true"`
		Interval time.Duration `yaml:"interval" split_words:"true"`
		Backups  int           `yaml:"backups" split_words:"true"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled" split_words:"true"`
		Port    int  `yaml:"port" split_words:"true"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled" split_words:"true"`
		Port    int  `yaml:"port" split_words:"true"`
	} `yaml:"grpc"`

	Log struct {
		Level string `yaml:"level" split_words:"true"`
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	var cfg Config

	cfg.Scheduler.PollInterval = 2 * time.Millisecond
	cfg.Scheduler.StopTimeout = time.Second

	cfg.Text.Codec = "t140-red"
	cfg.Text.RedundantLevel = 2
	cfg.Text.Bitrate = 800

	cfg.DTMF.PtimeMs = 20
	cfg.DTMF.PayloadType = 101
	cfg.DTMF.Duration = 120 * time.Millisecond

	cfg.RTP.PayloadType = 98
	cfg.RTP.ClockRate = 1000
	cfg.RTP.RemoteAddr = "127.0.0.1:5004"

	cfg.Snapshot.Path = "data/stats.json"
	cfg.Snapshot.Interval = 5 * time.Second
	cfg.Snapshot.Backups = 3

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 50051

	cfg.Log.Level = "info"

	return &cfg
}

// loadConfig 讀取配置
//
// 順序：預設值 -> YAML 檔（path 非空時）-> STREAMSCHED_* 環境變數
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := text.ParseCodec(c.Text.Codec); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Text.RedundantLevel < 0 {
		return fmt.Errorf("invalid config: text.redundant_level must be >= 0")
	}
	if c.RTP.ClockRate == 0 {
		return fmt.Errorf("invalid config: rtp.clock_rate must be > 0")
	}
	if c.DTMF.PtimeMs == 0 {
		return fmt.Errorf("invalid config: dtmf.ptime_ms must be > 0")
	}
	if c.DTMF.Duration <= 0 {
		return fmt.Errorf("invalid config: dtmf.duration must be > 0")
	}
	if c.Metrics.Enabled && c.GRPC.Enabled && c.Metrics.Port == c.GRPC.Port {
		return fmt.Errorf("invalid config: metrics.port and grpc.port must differ")
	}
	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("invalid config: snapshot.interval must be >= 0")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
