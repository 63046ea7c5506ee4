// Package capture defines the interfaces for host audio input connectivity.
//
// The two primary abstractions are:
//
//   - [Platform] — enumerates input devices and opens a [Stream] on one of them.
//   - [Stream] — an open capture handle on a single device, delivering raw
//     native-format chunks over a channel until closed.
//
// Implementations wrap a host audio subsystem (an OS audio adapter, a network
// feed, or the in-process synthetic platform in capture/synth used by tests
// and development). The interfaces are intentionally narrow so the pipeline
// stays decoupled from how audio actually reaches the process.
//
// This package lives under pkg/ because external adapters are expected to
// implement [Platform] and [Stream].
package capture

import (
	"context"
	"errors"
	"time"
)

// Enumeration and open failures, wrapped by platform implementations so the
// session layer can classify faults without knowing the adapter.
var (
	// ErrEnumeration indicates the host audio subsystem could not be
	// queried. Transient; callers retry lazily on the next catalog query.
	// Note: zero available devices is an empty list, not this error.
	ErrEnumeration = errors.New("capture: device enumeration failed")

	// ErrDeviceOpen indicates a device exists but could not be opened.
	ErrDeviceOpen = errors.New("capture: device open failed")

	// ErrDeviceGone indicates an open device vanished mid-stream.
	ErrDeviceGone = errors.New("capture: device disconnected")
)

// Device describes one audio input endpoint. The ID is an opaque handle
// stable for the process lifetime; it is not guaranteed to survive device
// topology changes, which is why catalogs enumerate fresh on every query.
type Device struct {
	ID         string
	Name       string
	SampleRate int
	Channels   int
	Default    bool
}

// Chunk is one buffer of raw capture data in the device's native format:
// interleaved int16 samples at the rate and channel count reported by the
// device. Timestamp is relative to stream start.
type Chunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
	Timestamp  time.Duration
}

// Catalog answers device queries. Implementations must not cache results
// across calls — re-enumeration is expected to be cheap.
type Catalog interface {
	// ListInputDevices returns all currently available input devices.
	// An empty slice means no devices; errors wrap [ErrEnumeration].
	ListInputDevices(ctx context.Context) ([]Device, error)

	// DefaultDevice returns the system default input device, if any.
	// ok is false when no default exists (which is not an error).
	DefaultDevice(ctx context.Context) (dev Device, ok bool, err error)
}

// Stream is an open capture handle on a single device.
//
// Implementations must be safe for concurrent use of Close against a reader
// of Chunks.
type Stream interface {
	// Chunks returns the channel delivering raw capture buffers. The channel
	// is closed when the stream ends — either by Close or because the device
	// vanished (check Err afterwards).
	Chunks() <-chan Chunk

	// Err reports why the stream ended. It returns nil before the Chunks
	// channel closes and after a clean Close; it wraps [ErrDeviceGone] when
	// the device disappeared mid-stream.
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}

// Platform is the entry point for a capture provider.
//
// Implementations must be safe for concurrent use; multiple streams may be
// open simultaneously (one per configured source).
type Platform interface {
	Catalog

	// Open starts capturing from the device with the given ID. The supplied
	// ctx governs the open attempt only; the returned Stream stays alive
	// until Close is called. Errors wrap [ErrDeviceOpen].
	Open(ctx context.Context, deviceID string) (Stream, error)
}
