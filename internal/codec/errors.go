package codec

import (
	"fmt"
	"math"
)

// ShapeError reports a blocked axis whose length is not a multiple of the
// block size, or an axis that does not exist.
type ShapeError struct {
	Shape     []int
	Axis      int
	BlockSize int
	Reason    string
}

func (e *ShapeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("codec: shape %v axis %d block size %d: %s", e.Shape, e.Axis, e.BlockSize, e.Reason)
	}
	length := -1
	if e.Axis >= 0 && e.Axis < len(e.Shape) {
		length = e.Shape[e.Axis]
	}
	return fmt.Sprintf("codec: shape %v: axis %d length %d is not divisible by block size %d",
		e.Shape, e.Axis, length, e.BlockSize)
}

// GlobalScaleError reports a per-tensor scale that is not a positive finite
// number.
type GlobalScaleError struct {
	Scale float32
}

func (e *GlobalScaleError) Error() string {
	return fmt.Sprintf("codec: global scale %g must be positive and finite", e.Scale)
}

func validGlobalScale(s float32) bool {
	g := float64(s)
	return g > 0 && !math.IsInf(g, 0)
}
