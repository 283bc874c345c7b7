package device

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	tests := []struct {
		in   string
		want Capability
	}{
		{"10.0", SM100},
		{"sm_100", SM100},
		{"SM90", SM90},
		{"8.9", SM89},
		{"89", SM89},
		{"none", None},
		{"", None},
	}
	for _, tt := range tests {
		got, err := ParseCapability(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"sm_x", "10.a", "7"} {
		_, err := ParseCapability(bad)
		assert.Error(t, err, bad)
	}
}

func TestCapabilityOrdering(t *testing.T) {
	assert.True(t, SM100.AtLeast(SM90))
	assert.True(t, SM90.AtLeast(SM89))
	assert.False(t, SM89.AtLeast(SM90))
	assert.True(t, SM100.AtLeast(SM100))
	assert.False(t, None.AtLeast(SM89))
	assert.False(t, None.Available())
	assert.Equal(t, "sm_100", SM100.String())
	assert.Equal(t, "none", None.String())
}

func TestChain(t *testing.T) {
	notDetected := ProberFunc(func(int) (Capability, error) { return None, ErrNotDetected })
	c := Chain{notDetected, StaticProber(SM90), StaticProber(SM100)}
	got, err := c.Probe(0)
	require.NoError(t, err)
	assert.Equal(t, SM90, got)

	_, err = Chain{notDetected}.Probe(0)
	assert.ErrorIs(t, err, ErrNotDetected)
}

func TestEnvProber(t *testing.T) {
	p := EnvProber{Var: "QUIVER_TEST_CAPABILITY"}
	_, err := p.Probe(0)
	assert.ErrorIs(t, err, ErrNotDetected)

	t.Setenv("QUIVER_TEST_CAPABILITY", "sm_100")
	got, err := p.Probe(0)
	require.NoError(t, err)
	assert.Equal(t, SM100, got)
}

func TestDetectorMemoizesUntilInvalidated(t *testing.T) {
	calls := 0
	level := SM89
	d := NewDetector(ProberFunc(func(int) (Capability, error) {
		calls++
		return level, nil
	}))

	before := testutil.ToFloat64(capabilityProbes)
	assert.Equal(t, SM89, d.Capability())
	level = SM100
	assert.Equal(t, SM89, d.Capability())
	assert.Equal(t, 1, calls)

	d.Invalidate()
	assert.Equal(t, SM100, d.Capability())
	assert.Equal(t, 2, calls)
	assert.Equal(t, before+2, testutil.ToFloat64(capabilityProbes))
}

func TestDetectorSetDevice(t *testing.T) {
	levels := map[int]Capability{0: SM90, 1: SM100}
	d := NewDetector(ProberFunc(func(dev int) (Capability, error) { return levels[dev], nil }))
	assert.Equal(t, SM90, d.Capability())

	d.SetDevice(1)
	assert.Equal(t, 1, d.Device())
	assert.Equal(t, SM100, d.Capability())
}

func TestDetectorSetDeviceConcurrentReaders(t *testing.T) {
	levels := map[int]Capability{0: SM90, 1: SM100}
	for round := 0; round < 200; round++ {
		d := NewDetector(ProberFunc(func(dev int) (Capability, error) { return levels[dev], nil }))
		require.Equal(t, SM90, d.Capability())

		var wg sync.WaitGroup
		stale := make(chan Capability, 1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.SetDevice(1)
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if d.Device() != 1 {
					continue
				}
				if c := d.Capability(); c != SM100 {
					stale <- c
				}
				return
			}
		}()
		wg.Wait()
		select {
		case c := <-stale:
			t.Fatalf("round %d: device 1 reported %s", round, c)
		default:
		}
	}
}

func TestDetectorProbeFailureDegrades(t *testing.T) {
	d := NewDetector(ProberFunc(func(int) (Capability, error) {
		return SM100, errors.New("driver exploded")
	}))
	assert.Equal(t, None, d.Capability())
}

func TestCPUBackendGemmNT(t *testing.T) {
	backend := NewCPUBackend()

	// A: 2x3, B: 2x3 (rows are the columns of the product)
	a := []float64{
		1, 2, 3,
		4, 5, 6,
	}
	b := []float64{
		7, 9, 11,
		8, 10, 12,
	}
	c, err := backend.GemmNT(a, b, 2, 2, 3)
	require.NoError(t, err)
	// 1*7 + 2*9 + 3*11 = 58, 1*8 + 2*10 + 3*12 = 64
	assert.Equal(t, []float64{58, 64, 139, 154}, c)

	_, err = backend.GemmNT(a, b, 2, 2, 4)
	assert.Error(t, err)
	_, err = backend.GemmNT(a, b, 0, 2, 3)
	assert.Error(t, err)
}

func TestCPUBackendGemmMatchesNaive(t *testing.T) {
	backend := NewCPUBackend()
	rng := rand.New(rand.NewSource(1))
	m, n, k := 97, 33, 64
	a := make([]float64, m*k)
	b := make([]float64, n*k)
	for i := range a {
		a[i] = rng.NormFloat64()
	}
	for i := range b {
		b[i] = rng.NormFloat64()
	}

	c, err := backend.GemmNT(a, b, m, n, k)
	require.NoError(t, err)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var want float64
			for l := 0; l < k; l++ {
				want += a[i*k+l] * b[j*k+l]
			}
			if math.Abs(c[i*n+j]-want) > 1e-9 {
				t.Fatalf("c[%d,%d] = %f, want %f", i, j, c[i*n+j], want)
			}
		}
	}
}

func TestCPUBackendBufferPool(t *testing.T) {
	backend := NewCPUBackend()
	buf := backend.GetBuffer(128)
	require.Len(t, buf, 128)
	buf[0] = 42
	backend.PutBuffer(buf)

	again := backend.GetBuffer(64)
	require.Len(t, again, 64)
	assert.Equal(t, 0.0, again[0])
	assert.Equal(t, "CPU", backend.Name())
}
