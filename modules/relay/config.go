package relay

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/dfpwmrelay/pkg/pipeline"
	"github.com/zachfi/dfpwmrelay/pkg/resolver"
)

// Extraction modes for links to media sites.
const (
	// ExtractResolve asks the extractor for a direct URI and hands that to the
	// transcoder.
	ExtractResolve = "resolve"

	// ExtractPipe runs the extractor as the first stage of the pipeline.
	ExtractPipe = "pipe"
)

const (
	defaultPath           = "/"
	defaultResolveTimeout = 60 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
)

type Config struct {
	Path             string                 `yaml:"path,omitempty"`
	FFmpegPath       string                 `yaml:"ffmpeg-path,omitempty"`
	ExtractorPath    string                 `yaml:"extractor-path,omitempty"`
	ExtractMode      string                 `yaml:"extract-mode,omitempty"`
	LinkMode         string                 `yaml:"link-mode,omitempty"`
	FrameSize        int                    `yaml:"frame-size,omitempty"`
	FirstByteTimeout time.Duration          `yaml:"first-byte-timeout,omitempty"` // 0 waits forever
	ResolveTimeout   time.Duration          `yaml:"resolve-timeout,omitempty"`
	RequestTimeout   time.Duration          `yaml:"request-timeout,omitempty"`
	WriteTimeout     time.Duration          `yaml:"write-timeout,omitempty"`
	PingInterval     time.Duration          `yaml:"ping-interval,omitempty"`
	MaxSessions      int                    `yaml:"max-sessions,omitempty"` // 0 is unlimited
	SiteHosts        flagext.StringSliceCSV `yaml:"site-hosts,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "path"), defaultPath, "HTTP path accepting websocket clients.")
	f.StringVar(&cfg.FFmpegPath, util.PrefixConfig(prefix, "ffmpeg-path"), "ffmpeg", "Transcoder binary.")
	f.StringVar(&cfg.ExtractorPath, util.PrefixConfig(prefix, "extractor-path"), "yt-dlp", "Extractor binary used for links to media sites.")
	f.StringVar(&cfg.ExtractMode, util.PrefixConfig(prefix, "extract-mode"), ExtractResolve,
		"How media site links are played: resolve to a direct URI first, or pipe the extractor output into the transcoder.")
	f.StringVar(&cfg.LinkMode, util.PrefixConfig(prefix, "link-mode"), string(pipeline.LinkFD),
		"How the extractor feeds the transcoder in pipe mode: fd hands over the descriptor, copy relays through this process.")
	f.IntVar(&cfg.FrameSize, util.PrefixConfig(prefix, "frame-size"), pipeline.DefaultFrameSize, "Largest frame sent to a client, in bytes.")
	f.DurationVar(&cfg.FirstByteTimeout, util.PrefixConfig(prefix, "first-byte-timeout"), pipeline.DefaultFirstByteTimeout,
		"How long to wait for the first transcoded byte before giving up. 0 waits forever.")
	f.DurationVar(&cfg.ResolveTimeout, util.PrefixConfig(prefix, "resolve-timeout"), defaultResolveTimeout, "Bound on resolving a locator.")
	f.DurationVar(&cfg.RequestTimeout, util.PrefixConfig(prefix, "request-timeout"), defaultRequestTimeout, "How long a client has to send its request.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), defaultWriteTimeout, "Bound on writing one frame to a client.")
	f.DurationVar(&cfg.PingInterval, util.PrefixConfig(prefix, "ping-interval"), defaultPingInterval, "Websocket keepalive interval. 0 disables pings.")
	f.IntVar(&cfg.MaxSessions, util.PrefixConfig(prefix, "max-sessions"), 0, "Maximum concurrent sessions. 0 is unlimited.")

	cfg.SiteHosts = append(flagext.StringSliceCSV(nil), resolver.DefaultSiteHosts...)
	f.Var(&cfg.SiteHosts, util.PrefixConfig(prefix, "site-hosts"), "Comma separated hosts whose links are resolved through the extractor.")
}

func (cfg *Config) Validate() error {
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("path %q must start with /", cfg.Path)
	}
	if strings.HasPrefix(cfg.Path, "/sessions") || cfg.Path == "/metrics" {
		return fmt.Errorf("path %q is reserved", cfg.Path)
	}

	switch cfg.ExtractMode {
	case ExtractResolve, ExtractPipe:
	default:
		return fmt.Errorf("unknown extract mode %q", cfg.ExtractMode)
	}

	if err := cfg.pipelineConfig().Validate(); err != nil {
		return err
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative")
	}

	return nil
}

func (cfg *Config) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		TranscoderPath:   cfg.FFmpegPath,
		ExtractorPath:    cfg.ExtractorPath,
		LinkMode:         pipeline.LinkMode(cfg.LinkMode),
		FrameSize:        cfg.FrameSize,
		FirstByteTimeout: cfg.FirstByteTimeout,
	}
}
