//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime_api.h>
*/
import "C"
import "fmt"

// DriverProber queries the CUDA runtime for the compute capability of a device.
func DriverProber() Prober {
	return ProberFunc(func(device int) (Capability, error) {
		var count C.int
		if rc := C.cudaGetDeviceCount(&count); rc != C.cudaSuccess {
			return None, ErrNotDetected
		}
		if device < 0 || device >= int(count) {
			return None, fmt.Errorf("device: index %d out of range (%d devices)", device, int(count))
		}
		var major, minor C.int
		if rc := C.cudaDeviceGetAttribute(&major, C.cudaDevAttrComputeCapabilityMajor, C.int(device)); rc != C.cudaSuccess {
			return None, fmt.Errorf("device: cudaDeviceGetAttribute major: error %d", int(rc))
		}
		if rc := C.cudaDeviceGetAttribute(&minor, C.cudaDevAttrComputeCapabilityMinor, C.int(device)); rc != C.cudaSuccess {
			return None, fmt.Errorf("device: cudaDeviceGetAttribute minor: error %d", int(rc))
		}
		return Capability{Major: int(major), Minor: int(minor)}, nil
	})
}
