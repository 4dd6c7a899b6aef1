// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake capture device for testing. It models a kernel capture queue closely
// enough to catch ownership bugs: a buffer queued twice, an index out of the
// granted range, or a completion for a buffer that was never queued.

package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/momentics/hioload-capture/api"
)

// PageSize is the offset stride reported by QueryBuffer.
const PageSize = 4096

// Op names accepted by FakeDevice.Fail.
const (
	OpNegotiate = "negotiate"
	OpRequest   = "request"
	OpQuery     = "query"
	OpEnqueue   = "enqueue"
	OpDequeue   = "dequeue"
	OpStreamOn  = "streamon"
	OpStreamOff = "streamoff"
	OpMap       = "map"
)

// FakeDevice implements api.CaptureDevice and api.Mapper.
// Completions are driven by the test through Complete; each one finishes the
// oldest queued buffer, as DMA hardware would.
type FakeDevice struct {
	mu   sync.Mutex
	cond *sync.Cond

	bufferSize int
	grantLimit int
	fillLen    int

	granted   int
	memory    api.MemoryKind
	queue     []int
	queued    map[int]bool
	memByIdx  map[int][]byte
	pending   int
	delivered int
	sequence  uint32
	streaming bool
	stopped   bool
	closed    bool

	fail       map[string]error
	calls      map[string]int
	violations []string
}

// NewFakeDevice creates a device whose format negotiates to bufferSize bytes.
func NewFakeDevice(bufferSize int) *FakeDevice {
	d := &FakeDevice{
		bufferSize: bufferSize,
		queued:     make(map[int]bool),
		memByIdx:   make(map[int][]byte),
		fail:       make(map[string]error),
		calls:      make(map[string]int),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// LimitGrant caps how many buffers RequestBuffers grants. Zero removes the cap.
func (d *FakeDevice) LimitGrant(n int) {
	d.mu.Lock()
	d.grantLimit = n
	d.mu.Unlock()
}

// SetFillLen sets the byte count reported by each completion. Zero reports the
// full buffer size.
func (d *FakeDevice) SetFillLen(n int) {
	d.mu.Lock()
	d.fillLen = n
	d.mu.Unlock()
}

// Fail makes the next call of op return err. A nil err clears the injection.
func (d *FakeDevice) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, op)
	} else {
		d.fail[op] = err
	}
	d.cond.Broadcast()
}

func (d *FakeDevice) takeFailure(op string) error {
	d.calls[op]++
	if err, ok := d.fail[op]; ok {
		delete(d.fail, op)
		return err
	}
	return nil
}

// Attach registers the memory backing index so completions can write into it.
func (d *FakeDevice) Attach(index int, mem []byte) {
	d.mu.Lock()
	d.memByIdx[index] = mem
	d.mu.Unlock()
}

// Detach forgets the memory backing index.
func (d *FakeDevice) Detach(index int) {
	d.mu.Lock()
	delete(d.memByIdx, index)
	d.mu.Unlock()
}

// NegotiateFormat implements api.CaptureDevice.
func (d *FakeDevice) NegotiateFormat(api.Format) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpNegotiate); err != nil {
		return 0, err
	}
	return d.bufferSize, nil
}

// RequestBuffers implements api.CaptureDevice. count == 0 releases all slots
// and cancels every queued buffer. A new request ends the stopped state left by
// StreamOff, so buffers can be queued again before the next StreamOn.
func (d *FakeDevice) RequestBuffers(count int, mem api.MemoryKind) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpRequest); err != nil {
		return 0, err
	}
	if count > 0 && d.streaming {
		return 0, fmt.Errorf("request buffers while streaming")
	}
	granted := count
	if d.grantLimit > 0 && granted > d.grantLimit {
		granted = d.grantLimit
	}
	d.granted = granted
	d.memory = mem
	d.stopped = false
	d.queue = nil
	d.queued = make(map[int]bool)
	return granted, nil
}

// QueryBuffer implements api.CaptureDevice.
func (d *FakeDevice) QueryBuffer(index int) (api.DeviceBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpQuery); err != nil {
		return api.DeviceBuffer{}, err
	}
	if index < 0 || index >= d.granted {
		return api.DeviceBuffer{}, fmt.Errorf("query buffer %d: out of range", index)
	}
	return api.DeviceBuffer{Index: index, Offset: uint32(index * PageSize), Length: d.bufferSize}, nil
}

// Map implements api.Mapper.
func (d *FakeDevice) Map(offset uint32, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpMap); err != nil {
		return nil, err
	}
	mem := make([]byte, length)
	d.memByIdx[int(offset)/PageSize] = mem
	return mem, nil
}

// Unmap implements api.Mapper.
func (d *FakeDevice) Unmap(mem []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["unmap"]++
	for i, m := range d.memByIdx {
		if len(m) > 0 && len(mem) > 0 && &m[0] == &mem[0] {
			delete(d.memByIdx, i)
			return nil
		}
	}
	return fmt.Errorf("unmap: unknown region")
}

// Enqueue implements api.CaptureDevice. Queuing a buffer that is already
// queued is recorded as a violation and rejected.
func (d *FakeDevice) Enqueue(desc api.Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpEnqueue); err != nil {
		return err
	}
	if d.closed || d.stopped {
		return api.NewError(api.KindShutdown, "enqueue", api.ErrShutdown)
	}
	if desc.Index < 0 || desc.Index >= d.granted {
		d.violations = append(d.violations, fmt.Sprintf("enqueue of ungranted index %d", desc.Index))
		return fmt.Errorf("enqueue %d: out of range", desc.Index)
	}
	if desc.Memory != d.memory {
		d.violations = append(d.violations, fmt.Sprintf("enqueue of %d with memory %s, granted %s", desc.Index, desc.Memory, d.memory))
		return fmt.Errorf("enqueue %d: memory kind mismatch", desc.Index)
	}
	if d.queued[desc.Index] {
		d.violations = append(d.violations, fmt.Sprintf("double enqueue of %d", desc.Index))
		return fmt.Errorf("%w: buffer %d already queued", api.ErrOwnership, desc.Index)
	}
	d.queue = append(d.queue, desc.Index)
	d.queued[desc.Index] = true
	d.cond.Broadcast()
	return nil
}

// Dequeue implements api.CaptureDevice. It waits for a pending completion and
// a queued buffer while streaming, and returns a shutdown error once ctx ends
// or the stream is turned off.
func (d *FakeDevice) Dequeue(ctx context.Context) (api.Completion, error) {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[OpDequeue]++
	for {
		if ctx.Err() != nil || d.stopped || d.closed {
			return api.Completion{}, api.NewError(api.KindShutdown, "dequeue", api.ErrShutdown)
		}
		if err, ok := d.fail[OpDequeue]; ok {
			delete(d.fail, OpDequeue)
			return api.Completion{}, err
		}
		if d.streaming && d.pending > 0 && len(d.queue) > 0 {
			break
		}
		d.cond.Wait()
	}

	idx := d.queue[0]
	d.queue = d.queue[1:]
	delete(d.queued, idx)
	d.pending--
	d.delivered++

	n := d.fillLen
	if n <= 0 || n > d.bufferSize {
		n = d.bufferSize
	}
	seq := d.sequence
	d.sequence++
	if mem, ok := d.memByIdx[idx]; ok {
		fill := mem[:min(n, len(mem))]
		for i := range fill {
			fill[i] = byte(seq)
		}
	}
	d.cond.Broadcast()
	return api.Completion{Index: idx, Length: n, Sequence: seq}, nil
}

// StreamOn implements api.CaptureDevice.
func (d *FakeDevice) StreamOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpStreamOn); err != nil {
		return err
	}
	d.streaming = true
	d.stopped = false
	d.cond.Broadcast()
	return nil
}

// StreamOff implements api.CaptureDevice. Every queued buffer returns to user
// space and pending completions are discarded.
func (d *FakeDevice) StreamOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpStreamOff); err != nil {
		return err
	}
	if d.streaming {
		d.stopped = true
	}
	d.streaming = false
	d.queue = nil
	d.queued = make(map[int]bool)
	d.pending = 0
	d.cond.Broadcast()
	return nil
}

// Close implements api.CaptureDevice.
func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["close"]++
	d.closed = true
	d.cond.Broadcast()
	return nil
}

// Complete schedules n buffer completions.
func (d *FakeDevice) Complete(n int) {
	d.mu.Lock()
	d.pending += n
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Delivered returns how many completions Dequeue has returned.
func (d *FakeDevice) Delivered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// Queued returns the indices currently queued, sorted.
func (d *FakeDevice) Queued() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, 0, len(d.queued))
	for i := range d.queued {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// QueueOrder returns the queued indices in completion order.
func (d *FakeDevice) QueueOrder() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.queue...)
}

// Granted returns the current slot grant.
func (d *FakeDevice) Granted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted
}

// Streaming reports whether the stream is on.
func (d *FakeDevice) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Calls returns how many times op was invoked.
func (d *FakeDevice) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// TotalCalls returns the number of device operations made so far.
func (d *FakeDevice) TotalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

// Violations returns every ownership rule broken so far.
func (d *FakeDevice) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

var (
	_ api.CaptureDevice = (*FakeDevice)(nil)
	_ api.Mapper        = (*FakeDevice)(nil)
)
