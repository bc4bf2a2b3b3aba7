package resolver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/zachfi/dfpwmrelay/pkg/stage"
)

// maxToolOutput bounds the JSON document read from the extraction tool.
// Info documents with a full format list run to a few megabytes.
const maxToolOutput = 16 << 20

// Tool resolves site links by asking an external extraction tool (yt-dlp or
// a compatible fork) for the info document of the best audio format.
type Tool struct {
	Path   string
	Format string
	Logger *slog.Logger
}

// NewTool returns a Tool resolver running the binary at path.
func NewTool(path string, logger *slog.Logger) *Tool {
	return &Tool{Path: path, Format: "bestaudio/best", Logger: logger}
}

// Args returns the argument vector used to resolve locator.
func (t *Tool) Args(locator string) []string {
	format := t.Format
	if format == "" {
		format = "bestaudio/best"
	}
	return []string{t.Path, "--no-playlist", "--no-warnings", "-f", format, "-j", "--", locator}
}

type toolFormat struct {
	URL         string            `json:"url"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

type toolInfo struct {
	toolFormat
	RequestedFormats []toolFormat `json:"requested_formats"`
}

func (t *Tool) Resolve(ctx context.Context, locator string) (Result, error) {
	s, err := stage.Start(ctx, stage.Command{Name: "resolve", Args: t.Args(locator), Logger: t.Logger})
	if err != nil {
		return Result{}, &Failure{Locator: locator, Reason: "resolver unavailable", Err: err}
	}
	defer s.Close()

	out, readErr := io.ReadAll(io.LimitReader(s.Output(), maxToolOutput+1))
	if len(out) > maxToolOutput {
		_ = s.Terminate()
		_ = s.Wait()
		return Result{}, &Failure{Locator: locator, Reason: "resolver output too large"}
	}
	waitErr := s.Wait()

	switch {
	case ctx.Err() != nil:
		return Result{}, &Failure{Locator: locator, Reason: "resolution cancelled", Err: ctx.Err()}
	case waitErr != nil:
		reason := s.LastDiagnostic()
		if reason == "" {
			reason = waitErr.Error()
		}
		return Result{}, &Failure{Locator: locator, Reason: reason, Err: waitErr}
	case readErr != nil:
		return Result{}, &Failure{Locator: locator, Reason: "failed to read resolver output", Err: readErr}
	}

	var info toolInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return Result{}, &Failure{Locator: locator, Reason: "malformed resolver output", Err: err}
	}

	chosen := info.toolFormat
	if chosen.URL == "" {
		for _, f := range info.RequestedFormats {
			if f.URL != "" {
				chosen = f
				break
			}
		}
	}
	uri := strings.TrimSpace(chosen.URL)
	if uri == "" {
		return Result{}, &Failure{Locator: locator, Reason: "resolver returned no playable URL"}
	}

	return Result{URI: uri, Headers: chosen.HTTPHeaders}, nil
}
