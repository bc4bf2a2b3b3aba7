// Package resolver turns client locators into directly playable sources.
//
// Locators are classified first:
//   - direct http(s) stream URLs are played as they are
//   - .pls and .m3u playlists are fetched and the first stream is used
//   - links to known media sites are resolved through an external extraction tool
//
// Resolution runs once, before the pipeline is built, and carries no retry
// policy of its own.
package resolver
