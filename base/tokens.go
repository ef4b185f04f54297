package base

import (
	"errors"
	"fmt"

	"github.com/sugarme/gotch/ts"
)

// ErrShape reports a tensor whose shape does not match what the configured
// geometry implies.
var ErrShape = errors.New("shape mismatch")

// Flatten rearranges a feature map [B C H W] into a token sequence [B H*W C].
// Tokens are ordered row-major (height-major).
func Flatten(x *ts.Tensor, del bool) *ts.Tensor {
	flat := x.MustFlatten(2, 3, del)      // [B C H*W]
	out := flat.MustTranspose(1, 2, true) // [B H*W C]

	return out.MustContiguous(true)
}

// Unflatten is the inverse of Flatten: [B H*W C] -> [B C H W].
func Unflatten(x *ts.Tensor, h, w int64) (*ts.Tensor, error) {
	size := x.MustSize()
	if len(size) != 3 {
		return nil, fmt.Errorf("%w: expected token sequence [B L C], got %v", ErrShape, size)
	}
	if size[1] != h*w {
		return nil, fmt.Errorf("%w: %d tokens cannot form a %dx%d grid", ErrShape, size[1], h, w)
	}

	t := x.MustTranspose(1, 2, false) // [B C H*W]
	out := t.MustReshape([]int64{size[0], size[2], h, w}, true)

	return out, nil
}

// Tokens returns a narrow view [B n C] of x starting at token `start`.
func Tokens(x *ts.Tensor, start, n int64) *ts.Tensor {
	return x.MustNarrow(1, start, n, false)
}

// ShapeError describes a tensor of unexpected shape in module `where`.
func ShapeError(where string, want, got []int64) error {
	return fmt.Errorf("%w in %s: want %v, got %v", ErrShape, where, want, got)
}
