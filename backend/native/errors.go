package native

import "errors"

// Errors returned by this package.
var (
	// ErrBackendUnavailable is returned when the HAL backend is not compiled in.
	ErrBackendUnavailable = errors.New("native: HAL backend not available")

	// ErrNoAdapter is returned when the HAL instance exposes no adapter.
	ErrNoAdapter = errors.New("native: no GPU adapter found")

	// ErrNotHALProvider is returned by NewFromProvider for providers that
	// do not expose a HAL device and queue.
	ErrNotHALProvider = errors.New("native: provider does not expose HAL device and queue")

	// ErrFenceTimeout is returned when a submission does not finish within
	// the fence timeout.
	ErrFenceTimeout = errors.New("native: fence wait timed out")

	// ErrUnaligned is returned when recording a transfer whose offset or
	// size is not a multiple of 4 bytes.
	ErrUnaligned = errors.New("native: transfer not 4-byte aligned")

	// ErrNoDeviceCode is returned when launching a kernel that has neither
	// an executable nor WGSL source.
	ErrNoDeviceCode = errors.New("native: kernel has no device code")
)

// errFenceBusy is the retry signal of the fence poll loop.
var errFenceBusy = errors.New("native: fence not signaled")
