//go:build !(linux && cuda)

package device

// DriverProber reports ErrNotDetected on builds without the CUDA driver bridge.
// Build with -tags cuda on Linux to query the driver.
func DriverProber() Prober {
	return ProberFunc(func(int) (Capability, error) {
		return None, ErrNotDetected
	})
}
