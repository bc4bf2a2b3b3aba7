package pipeline

import (
	"fmt"
	"time"
)

// Output bitstream parameters. Clients decode exactly this format, so none of
// them is configurable.
const (
	SampleRate   = 48000
	Channels     = 1
	OutputFormat = "dfpwm"
)

const (
	// MaxStages caps the number of processes a single pipeline may run.
	MaxStages = 2

	DefaultFrameSize        = 4096
	DefaultFirstByteTimeout = 30 * time.Second
)

// LinkMode selects how an extraction stage feeds the transcoder.
type LinkMode string

const (
	// LinkFD hands the upstream output descriptor to the downstream process.
	LinkFD LinkMode = "fd"

	// LinkCopy relays bytes through a copy task in this process.
	LinkCopy LinkMode = "copy"
)

// Config controls how pipelines are built and run.
type Config struct {
	TranscoderPath string
	ExtractorPath  string
	LinkMode       LinkMode

	// FrameSize is the largest chunk forwarded to the sink in one send.
	FrameSize int

	// FirstByteTimeout bounds the wait for the first byte of output. Zero
	// disables the bound.
	FirstByteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TranscoderPath == "" {
		c.TranscoderPath = "ffmpeg"
	}
	if c.ExtractorPath == "" {
		c.ExtractorPath = "yt-dlp"
	}
	if c.LinkMode == "" {
		c.LinkMode = LinkFD
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.LinkMode {
	case "", LinkFD, LinkCopy:
	default:
		return fmt.Errorf("unknown link mode %q", c.LinkMode)
	}
	if c.FrameSize < 0 {
		return fmt.Errorf("frame size must not be negative")
	}
	if c.FirstByteTimeout < 0 {
		return fmt.Errorf("first byte timeout must not be negative")
	}
	return nil
}
