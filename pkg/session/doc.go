// Package session runs one client connection from its request to the end of
// its stream.
//
// A session reads the request, resolves the locator, builds the pipeline and
// forwards its output until the stream ends. A failure before streaming
// starts is reported to the client as exactly one {"error": ...} message;
// after that the connection is simply closed.
package session
