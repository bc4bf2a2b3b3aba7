package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrRequestInvalid is returned when the initial client message does not
// carry a usable locator.
var ErrRequestInvalid = errors.New("invalid request")

// Message sent to clients whose request had no locator.
const msgNoStreamURL = "No stream URL provided."

// Request is the JSON form of the initial client message.
type Request struct {
	StreamURL string `json:"stream_url"`
}

// ParseRequest extracts the locator from the initial client message, which
// is either {"stream_url": "..."} or the bare locator.
func ParseRequest(raw []byte) (string, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrRequestInvalid, msgNoStreamURL)
	}

	locator := text
	if strings.HasPrefix(text, "{") {
		var req Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return "", fmt.Errorf("%w: malformed JSON request", ErrRequestInvalid)
		}
		locator = strings.TrimSpace(req.StreamURL)
		if locator == "" {
			return "", fmt.Errorf("%w: %s", ErrRequestInvalid, msgNoStreamURL)
		}
	}

	if strings.IndexFunc(locator, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return "", fmt.Errorf("%w: locator contains whitespace or control characters", ErrRequestInvalid)
	}

	return locator, nil
}

// clientMessage returns the text sent to the client for err.
func clientMessage(err error) string {
	msg := err.Error()
	if errors.Is(err, ErrRequestInvalid) {
		return strings.TrimPrefix(msg, ErrRequestInvalid.Error()+": ")
	}
	return msg
}
