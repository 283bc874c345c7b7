package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Capability is a compute-capability level in the SM numbering scheme. The zero
// value means no accelerator.
type Capability struct {
	Major int
	Minor int
}

var (
	None  = Capability{}
	SM89  = Capability{Major: 8, Minor: 9}
	SM90  = Capability{Major: 9, Minor: 0}
	SM100 = Capability{Major: 10, Minor: 0}
)

// Available reports whether an accelerator was detected.
func (c Capability) Available() bool { return c.Major > 0 }

// AtLeast compares against a minimum requirement.
func (c Capability) AtLeast(min Capability) bool {
	if c.Major != min.Major {
		return c.Major > min.Major
	}
	return c.Minor >= min.Minor
}

func (c Capability) String() string {
	if !c.Available() {
		return "none"
	}
	return fmt.Sprintf("sm_%d%d", c.Major, c.Minor)
}

// ParseCapability accepts "10.0", "sm_100", "sm100", "90" and "none".
func ParseCapability(s string) (Capability, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none", "cpu", "0", "0.0":
		return None, nil
	}
	if major, minor, ok := strings.Cut(s, "."); ok {
		ma, err1 := strconv.Atoi(major)
		mi, err2 := strconv.Atoi(minor)
		if err1 != nil || err2 != nil || ma < 0 || mi < 0 || mi > 9 {
			return None, fmt.Errorf("device: invalid capability %q", s)
		}
		return Capability{Major: ma, Minor: mi}, nil
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "sm_"), "sm")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 10 {
		return None, fmt.Errorf("device: invalid capability %q", s)
	}
	return Capability{Major: n / 10, Minor: n % 10}, nil
}

// ErrNotDetected is returned by a Prober that has no answer, letting a Chain
// fall through to the next one.
var ErrNotDetected = errors.New("device: capability not detected")

// Prober reports the capability of one device.
type Prober interface {
	Probe(device int) (Capability, error)
}

// StaticProber always reports the same level. Tests inject it.
type StaticProber Capability

func (s StaticProber) Probe(int) (Capability, error) { return Capability(s), nil }

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(device int) (Capability, error)

func (f ProberFunc) Probe(device int) (Capability, error) { return f(device) }

// Chain asks each prober in turn and returns the first answer.
type Chain []Prober

func (c Chain) Probe(device int) (Capability, error) {
	for _, p := range c {
		capability, err := p.Probe(device)
		if errors.Is(err, ErrNotDetected) {
			continue
		}
		return capability, err
	}
	return None, ErrNotDetected
}
