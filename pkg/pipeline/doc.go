// Package pipeline supervises the external processes relaying one source to
// one client.
//
// A pipeline is either a single transcoder reading a playable URI, or an
// extractor whose output feeds the transcoder. The transcoder always emits
// 48 kHz mono DFPWM on its standard output, which Run forwards to a sink in
// bounded frames, in order.
//
// Extractor and transcoder are linked either by handing the extractor's
// output descriptor to the transcoder (LinkFD) or by a copy task in this
// process (LinkCopy). Ordering, EOF propagation and cancellation are the same
// in both modes.
package pipeline
