package resolver

import (
	"net/url"
	"path"
	"strings"
)

// Kind is the source type of a locator.
type Kind int

const (
	KindInvalid Kind = iota
	KindDirect
	KindPlaylist
	KindSite
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindPlaylist:
		return "playlist"
	case KindSite:
		return "site"
	default:
		return "invalid"
	}
}

// DefaultSiteHosts are hosts whose links need the extraction tool.
var DefaultSiteHosts = []string{
	"youtube.com",
	"youtu.be",
	"soundcloud.com",
	"bandcamp.com",
	"mixcloud.com",
	"vimeo.com",
	"twitch.tv",
}

// Classify determines how a locator has to be resolved. Only http and https
// locators are accepted; anything else would let a client point the
// transcoder at local files.
func Classify(locator string, siteHosts []string) Kind {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil || u.Host == "" {
		return KindInvalid
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return KindInvalid
	}

	host := strings.ToLower(u.Hostname())
	for _, h := range siteHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return KindSite
		}
	}

	switch strings.ToLower(path.Ext(u.Path)) {
	case ".pls", ".m3u":
		return KindPlaylist
	}

	return KindDirect
}
