// Package config loads layered settings: defaults, an optional YAML file,
// FACESHIELD_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/pipeline"
	"github.com/andresmejia3/faceshield/internal/source"
)

// EnvPrefix is prepended to every environment override, e.g.
// FACESHIELD_PIPELINE_DETECT_EVERY=5.
const EnvPrefix = "FACESHIELD"

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Detector DetectorConfig `mapstructure:"detector"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Decoder  DecoderConfig  `mapstructure:"decoder"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig selects the result store. An empty URL falls back to the
// POSTGRES_* environment, then to a local SQLite file.
type DBConfig struct {
	URL string `mapstructure:"url"`
}

// DetectorConfig selects and tunes the face detector.
type DetectorConfig struct {
	Engine       string   `mapstructure:"engine"` // pigo or external
	Cascade      string   `mapstructure:"cascade"`
	Command      []string `mapstructure:"command"` // external engine argv
	MinSize      int      `mapstructure:"min_size"`
	MaxSize      int      `mapstructure:"max_size"`
	ShiftFactor  float64  `mapstructure:"shift_factor"`
	ScaleFactor  float64  `mapstructure:"scale_factor"`
	IoUThreshold float64  `mapstructure:"iou_threshold"`
	MinQuality   float64  `mapstructure:"min_quality"`
}

type PipelineConfig struct {
	DownscaleRatio    float64 `mapstructure:"downscale_ratio"`
	DownscaleQuality  string  `mapstructure:"downscale_quality"`
	UseTracking       bool    `mapstructure:"use_tracking"`
	DetectEvery       int     `mapstructure:"detect_every"`
	ParallelDetectors int     `mapstructure:"parallel_detectors"`
	QueueCapacity     int     `mapstructure:"queue_capacity"`
	ScaleInDetector   bool    `mapstructure:"scale_in_detector"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
	Proxy             string  `mapstructure:"proxy"`

	// Reserved. Parsed so existing config files keep loading, never read.
	HybridRefineRatio     float64 `mapstructure:"hybrid_refine_ratio"`
	HybridRefineInterval  int     `mapstructure:"hybrid_refine_interval"`
	HybridRefineThreshold float64 `mapstructure:"hybrid_refine_threshold"`
}

type DecoderConfig struct {
	FFmpeg  string `mapstructure:"ffmpeg"`
	FFprobe string `mapstructure:"ffprobe"`
	HWAccel string `mapstructure:"hwaccel"`
}

// flagKeys maps config keys to the command line flags that override them.
var flagKeys = map[string]string{
	"log.level":                   "log-level",
	"db.url":                      "db",
	"detector.engine":             "engine",
	"detector.cascade":            "cascade",
	"detector.command":            "engine-cmd",
	"pipeline.downscale_ratio":    "downscale",
	"pipeline.downscale_quality":  "quality",
	"pipeline.use_tracking":       "tracking",
	"pipeline.detect_every":       "detect-every",
	"pipeline.parallel_detectors": "parallel",
	"pipeline.scale_in_detector":  "scale-in-detector",
	"pipeline.min_confidence":     "min-confidence",
	"pipeline.proxy":              "proxy",
	"decoder.hwaccel":             "hwaccel",
}

// Load builds the configuration. flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Debugf("Config loaded from %s", configPath)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Detector.Engine = strings.ToLower(cfg.Detector.Engine)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("db.url", "")

	def := detector.DefaultPigoParams()
	v.SetDefault("detector.engine", "pigo")
	v.SetDefault("detector.cascade", "cascade/facefinder")
	v.SetDefault("detector.command", []string{})
	v.SetDefault("detector.min_size", def.MinSize)
	v.SetDefault("detector.max_size", def.MaxSize)
	v.SetDefault("detector.shift_factor", def.ShiftFactor)
	v.SetDefault("detector.scale_factor", def.ScaleFactor)
	v.SetDefault("detector.iou_threshold", def.IoUThreshold)
	v.SetDefault("detector.min_quality", float64(def.MinQuality))

	opts := pipeline.DefaultOptions()
	v.SetDefault("pipeline.downscale_ratio", opts.DownscaleRatio)
	v.SetDefault("pipeline.downscale_quality", opts.DownscaleQuality.String())
	v.SetDefault("pipeline.use_tracking", opts.UseTracking)
	v.SetDefault("pipeline.detect_every", opts.DetectEveryNFrames)
	v.SetDefault("pipeline.parallel_detectors", opts.ParallelDetectorCount)
	v.SetDefault("pipeline.queue_capacity", opts.QueueCapacity)
	v.SetDefault("pipeline.scale_in_detector", opts.ScaleInDetector)
	v.SetDefault("pipeline.min_confidence", 0.0)
	v.SetDefault("pipeline.proxy", "")
	v.SetDefault("pipeline.hybrid_refine_ratio", 0.0)
	v.SetDefault("pipeline.hybrid_refine_interval", 0)
	v.SetDefault("pipeline.hybrid_refine_threshold", 0.0)

	v.SetDefault("decoder.ffmpeg", "ffmpeg")
	v.SetDefault("decoder.ffprobe", "ffprobe")
	v.SetDefault("decoder.hwaccel", "auto")
}

// Options converts the pipeline section and validates it.
func (c PipelineConfig) Options() (pipeline.Options, error) {
	quality, err := source.ParseQuality(c.DownscaleQuality)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidOptions, err)
	}
	opts := pipeline.Options{
		DownscaleRatio:        c.DownscaleRatio,
		DownscaleQuality:      quality,
		UseTracking:           c.UseTracking,
		DetectEveryNFrames:    c.DetectEvery,
		ParallelDetectorCount: c.ParallelDetectors,
		QueueCapacity:         c.QueueCapacity,
		ScaleInDetector:       c.ScaleInDetector,
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return opts, fmt.Errorf("%w: min confidence must be in [0,1], got %g", pipeline.ErrInvalidOptions, c.MinConfidence)
	}
	return opts, opts.Validate()
}

// PigoParams converts the detector section.
func (c DetectorConfig) PigoParams() detector.PigoParams {
	return detector.PigoParams{
		MinSize:      c.MinSize,
		MaxSize:      c.MaxSize,
		ShiftFactor:  c.ShiftFactor,
		ScaleFactor:  c.ScaleFactor,
		IoUThreshold: c.IoUThreshold,
		MinQuality:   float32(c.MinQuality),
	}
}

// ResolveURL returns the configured store URL, falling back to the
// POSTGRES_* environment and then to a SQLite file in the working directory.
func (c DBConfig) ResolveURL() string {
	if c.URL != "" {
		return c.URL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "sqlite://faceshield.db"
}

var proxyHeights = map[string]int{
	"360p":  360,
	"480p":  480,
	"720p":  720,
	"1080p": 1080,
}

// ProxyHeight resolves a proxy-resolution preset. Empty means none.
func ProxyHeight(preset string) (int, error) {
	preset = strings.ToLower(strings.TrimSpace(preset))
	if preset == "" || preset == "none" {
		return 0, nil
	}
	h, ok := proxyHeights[preset]
	if !ok {
		return 0, fmt.Errorf("unknown proxy preset %q (use 360p, 480p, 720p or 1080p)", preset)
	}
	return h, nil
}
