// Package audio holds the PCM16 primitives shared by both relay directions:
// the [AudioFrame] type, a rational polyphase [Resampler], the per-direction
// [FormatConverter] stage, the [ChunkAccumulator] that batches audio for
// smooth playback, and lenient base64 helpers for JSON-wrapped payloads.
//
// Everything here is pure and free of I/O so it can be tested in isolation
// from the WebSocket plumbing.
package audio
