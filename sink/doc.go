// Package sink
// Author: momentics <momentics@gmail.com>
//
// Downstream consumers for filled capture buffers: a raw writer for files or
// pipes, and a channel sink that decouples the engine from slow readers
// through recycled byte buffers.
package sink
