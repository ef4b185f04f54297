package swinretina

import (
	"log/slog"

	"github.com/sugarme/gotch/ts"
)

// Tracer observes named intermediate tensors of a forward pass. It must not
// modify or drop the tensor.
type Tracer func(stage string, x *ts.Tensor)

func (t Tracer) trace(stage string, x *ts.Tensor) {
	if t != nil {
		t(stage, x)
	}
}

// SlogTracer logs the shape of every traced tensor at debug level.
func SlogTracer(logger *slog.Logger) Tracer {
	return func(stage string, x *ts.Tensor) {
		logger.Debug("forward", "stage", stage, "shape", x.MustSize())
	}
}
