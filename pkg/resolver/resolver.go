package resolver

import (
	"context"
	"errors"
	"fmt"
)

// ErrResolution matches every *Failure.
var ErrResolution = errors.New("resolution failed")

// Result is a directly playable source.
type Result struct {
	URI string

	// Headers are replayed by the transcoder when it opens URI.
	Headers map[string]string
}

// Failure is returned when a locator cannot be turned into a playable URI.
type Failure struct {
	Locator string
	Reason  string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("resolve %s: %s", f.Locator, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Is(target error) bool { return target == ErrResolution }

// Resolver turns a locator into a playable URI.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (Result, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, locator string) (Result, error)

func (f Func) Resolve(ctx context.Context, locator string) (Result, error) {
	return f(ctx, locator)
}

// Router dispatches a locator to the resolver for its kind. Direct locators
// are returned unchanged.
type Router struct {
	SiteHosts []string
	Site      Resolver
	Playlist  Resolver
}

func (r *Router) Resolve(ctx context.Context, locator string) (Result, error) {
	switch Classify(locator, r.SiteHosts) {
	case KindDirect:
		return Result{URI: locator}, nil
	case KindPlaylist:
		if r.Playlist == nil {
			return Result{URI: locator}, nil
		}
		res, err := r.Playlist.Resolve(ctx, locator)
		if err != nil {
			return Result{}, err
		}
		// Playlist entries come from the client's server and get the same
		// scheme check as the locator itself.
		if res.URI != locator && Classify(res.URI, nil) != KindDirect {
			return Result{}, &Failure{Locator: locator, Reason: fmt.Sprintf("unsupported playlist entry %q", res.URI)}
		}
		return res, nil
	case KindSite:
		if r.Site == nil {
			return Result{}, &Failure{Locator: locator, Reason: "no resolver configured for site links"}
		}
		return r.Site.Resolve(ctx, locator)
	default:
		return Result{}, &Failure{Locator: locator, Reason: "unsupported locator"}
	}
}
