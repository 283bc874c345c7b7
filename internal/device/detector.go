package device

import (
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// CapabilityEnv overrides hardware probing, e.g. QUIVER_DEVICE_CAPABILITY=10.0
// or QUIVER_DEVICE_CAPABILITY=none.
const CapabilityEnv = "QUIVER_DEVICE_CAPABILITY"

// EnvProber reads the capability from an environment variable. An unset
// variable yields ErrNotDetected.
type EnvProber struct {
	Var string
}

func (e EnvProber) Probe(int) (Capability, error) {
	name := e.Var
	if name == "" {
		name = CapabilityEnv
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return None, ErrNotDetected
	}
	return ParseCapability(v)
}

// Detector memoizes the capability of the active device. The snapshot is
// taken on first use and kept until Invalidate or a device change; the next
// read after that probes again before answering.
type Detector struct {
	mu       sync.Mutex
	prober   Prober
	device   int
	snapshot *Capability
}

func NewDetector(p Prober) *Detector {
	return &Detector{prober: p}
}

// Capability returns the memoized snapshot, probing if there is none. Probe
// failures degrade to None.
func (d *Detector) Capability() Capability {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapshot != nil {
		return *d.snapshot
	}

	c, err := d.prober.Probe(d.device)
	capabilityProbes.Inc()
	switch {
	case errors.Is(err, ErrNotDetected):
		c = None
	case err != nil:
		log.Warn().Err(err).Int("device", d.device).Msg("Capability probe failed, assuming no accelerator")
		c = None
	}
	log.Debug().Int("device", d.device).Str("capability", c.String()).Msg("Probed device capability")
	detectedCapability.Set(float64(c.Major*10 + c.Minor))
	d.snapshot = &c
	return c
}

// Invalidate drops the snapshot.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot = nil
	log.Info().Int("device", d.device).Msg("Device capability invalidated")
}

// SetDevice switches the active device, invalidating the snapshot when it
// changes. Both happen under one lock so no reader sees the new device with
// the old snapshot.
func (d *Detector) SetDevice(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == index {
		return
	}
	d.device = index
	d.snapshot = nil
	log.Info().Int("device", index).Msg("Device capability invalidated")
}

func (d *Detector) Device() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

// DefaultDetector is the process-wide detector: the environment override
// first, then the driver.
var DefaultDetector = NewDetector(Chain{EnvProber{}, DriverProber()})

// DetectHardwareCapability returns the process-wide capability snapshot.
func DetectHardwareCapability() Capability {
	return DefaultDetector.Capability()
}
