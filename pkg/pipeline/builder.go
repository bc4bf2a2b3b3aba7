package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/zachfi/dfpwmrelay/pkg/stage"
)

// ErrStartFailed is returned by Build when any stage of the chain could not
// be launched. Stages already started by that build are reaped first.
var ErrStartFailed = errors.New("pipeline: stage start failed")

// Stage labels.
const (
	StageExtract   = "extract"
	StageTranscode = "transcode"
)

// Source describes what a pipeline plays.
type Source struct {
	// Locator is the link the client sent.
	Locator string

	// URI is a directly playable location. Used when Extract is false; falls
	// back to Locator when empty.
	URI string

	// Headers are sent with the transcoder's HTTP request for URI.
	Headers map[string]string

	// Extract places an extraction stage ahead of the transcoder, which then
	// reads the extracted media from its standard input.
	Extract bool
}

// Process is the view of a running stage the pipeline depends on.
// *stage.Stage satisfies it.
type Process interface {
	Name() string
	Output() io.Reader
	Input() io.WriteCloser
	Terminate() error
	Wait() error
	Done() <-chan struct{}
	Close() error
}

// Launcher starts one stage.
type Launcher func(ctx context.Context, c stage.Command) (Process, error)

// StartStage is the default Launcher.
func StartStage(ctx context.Context, c stage.Command) (Process, error) {
	s, err := stage.Start(ctx, c)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Option configures a Builder.
type Option func(*Builder)

// WithLauncher replaces the function used to start stages.
func WithLauncher(l Launcher) Option {
	return func(b *Builder) {
		b.launch = l
	}
}

// Builder constructs pipelines. It is safe for concurrent use.
type Builder struct {
	cfg    Config
	launch Launcher
	logger *slog.Logger
}

func NewBuilder(cfg Config, logger *slog.Logger, opts ...Option) *Builder {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	b := &Builder{
		cfg:    cfg,
		launch: StartStage,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Builder) Config() Config { return b.cfg }

// Build launches the stage chain for src. Stages are bound to ctx: cancelling
// it terminates them.
func (b *Builder) Build(ctx context.Context, src Source) (*Pipeline, error) {
	p := newPipeline(b.cfg, b.logger.With("locator", src.Locator))

	if !src.Extract {
		uri := src.URI
		if uri == "" {
			uri = src.Locator
		}
		if uri == "" {
			return nil, fmt.Errorf("%w: empty source", ErrStartFailed)
		}

		t, err := b.launch(ctx, stage.Command{
			Name:   StageTranscode,
			Args:   TranscodeArgs(b.cfg.TranscoderPath, uri, src.Headers),
			Logger: p.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
		}
		p.add(t)
		return p, nil
	}

	if src.Locator == "" {
		return nil, fmt.Errorf("%w: empty source", ErrStartFailed)
	}

	up, err := b.launch(ctx, stage.Command{
		Name:   StageExtract,
		Args:   ExtractArgs(b.cfg.ExtractorPath, src.Locator),
		Logger: p.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	p.add(up)

	if err := b.link(ctx, p, up); err != nil {
		if terr := p.Teardown(); terr != nil {
			p.logger.Debug("teardown after failed build", "err", terr)
		}
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	return p, nil
}

// link starts the transcoder reading from up's output.
func (b *Builder) link(ctx context.Context, p *Pipeline, up Process) error {
	cmd := stage.Command{
		Name:   StageTranscode,
		Args:   TranscodeArgs(b.cfg.TranscoderPath, "pipe:0", nil),
		Logger: p.logger,
	}

	if f, ok := up.Output().(*os.File); ok && b.cfg.LinkMode == LinkFD {
		cmd.Stdin = f
		down, err := b.launch(ctx, cmd)
		if err != nil {
			return err
		}
		p.add(down)

		// The transcoder holds its own copy. Keeping ours open would hide
		// EOF from it if the extractor died.
		if err := up.Close(); err != nil {
			p.logger.Debug("failed to release extractor output", "err", err)
		}
		return nil
	}

	cmd.PipeInput = true
	down, err := b.launch(ctx, cmd)
	if err != nil {
		return err
	}
	p.add(down)

	in := down.Input()
	if in == nil {
		return fmt.Errorf("stage %s has no input", down.Name())
	}
	p.copies = append(p.copies, startCopy(up.Output(), in, p.logger))
	return nil
}

// TranscodeArgs returns the transcoder argument vector reading from input,
// which is a URI or pipe:0.
func TranscodeArgs(binary, input string, headers map[string]string) []string {
	args := []string{binary, "-hide_banner", "-loglevel", "error"}
	if input != "pipe:0" {
		args = append(args, "-nostdin")
	}

	if len(headers) > 0 {
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(headers[k])
			sb.WriteString("\r\n")
		}
		args = append(args, "-headers", sb.String())
	}

	return append(args,
		"-i", input,
		"-vn",
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-f", OutputFormat,
		"pipe:1",
	)
}

// ExtractArgs returns the extractor argument vector writing the best audio
// format for locator to standard output.
func ExtractArgs(binary, locator string) []string {
	return []string{
		binary,
		"--quiet",
		"--no-warnings",
		"--no-playlist",
		"-f", "bestaudio/best",
		"-o", "-",
		"--",
		locator,
	}
}
