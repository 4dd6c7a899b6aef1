// Package transfer
// Author: momentics <momentics@gmail.com>
//
// Streaming buffer transfer engine.
//
// An Engine keeps a fixed set of capture buffers cycling between the device
// queue and a downstream Sink. A dedicated completion goroutine dequeues filled
// buffers into a bounded backlog; the caller's goroutine runs the consumer pump
// (Run), copying each completed span into the active buffer, handing it off,
// and recycling the device buffer. Every buffer is owned by exactly one party
// at any instant: the pool, the device, the backlog, or the consumer.
package transfer
