package resolver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxPlaylistSize bounds the playlist document read into memory.
const maxPlaylistSize = 1 << 20

const userAgent = "iTunes/12.9.2 (Macintosh; OS X 10.14.3) AppleWebKit/606.4.5"

// Playlist resolves .pls and .m3u locators to the first stream they list.
// Locators that turn out to be a stream already are returned unchanged.
type Playlist struct {
	Client *http.Client
}

// NewPlaylist returns a Playlist resolver with connection and response
// timeouts suited to fetching small documents.
func NewPlaylist() *Playlist {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{DialContext: dialer.DialContext}
	return &Playlist{
		Client: &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}
}

func (p *Playlist) Resolve(ctx context.Context, locator string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return Result{}, &Failure{Locator: locator, Reason: "invalid playlist URL", Err: err}
	}
	req.Header.Add("accept", "*/*")
	req.Header.Add("user-agent", userAgent)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, &Failure{Locator: locator, Reason: "failed to fetch playlist", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, &Failure{Locator: locator, Reason: fmt.Sprintf("playlist request returned %s", resp.Status)}
	}

	// Shoutcast servers answer playlist URLs with the stream itself.
	if resp.Header.Get("icy-metaint") != "" {
		return Result{URI: locator}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return Result{}, &Failure{Locator: locator, Reason: "failed to read playlist", Err: err}
	}
	content := string(body)
	contentType := resp.Header.Get("Content-Type")

	var streamURL string
	switch {
	case isPLS(locator, contentType, content):
		streamURL, err = parsePLS(content)
	case isM3U(locator, contentType, content):
		streamURL, err = parseM3U(content)
	default:
		return Result{}, &Failure{
			Locator: locator,
			Reason:  fmt.Sprintf("not a stream or playlist (Content-Type: %s)", contentType),
		}
	}
	if err != nil {
		return Result{}, &Failure{Locator: locator, Reason: err.Error(), Err: err}
	}

	return Result{URI: streamURL}, nil
}

func isPLS(locator, contentType, content string) bool {
	return strings.Contains(contentType, "audio/x-scpls") ||
		strings.Contains(contentType, "application/pls+xml") ||
		strings.HasSuffix(strings.ToLower(locator), ".pls") ||
		strings.Contains(content, "[playlist]") ||
		strings.Contains(content, "File1=")
}

func isM3U(locator, contentType, content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.Contains(contentType, "audio/mpegurl") ||
		strings.Contains(contentType, "audio/x-mpegurl") ||
		strings.HasSuffix(strings.ToLower(locator), ".m3u") ||
		strings.Contains(content, "#EXTM3U") ||
		strings.HasPrefix(trimmed, "http://") ||
		strings.HasPrefix(trimmed, "https://")
}

// parsePLS returns the first http(s) FileN= entry.
func parsePLS(content string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "File") {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		u := strings.TrimSpace(value)
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			return u, nil
		}
	}
	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U returns the first http(s) entry, skipping comments.
func parseM3U(content string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no stream URL found in M3U playlist")
}
