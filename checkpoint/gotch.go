package checkpoint

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// readGotch reads a gotch .ot archive, such as the converted torchvision
// backbones gotch publishes.
func readGotch(path string) (Tensors, error) {
	named, err := ts.LoadMultiWithDevice(path, gotch.CPU)
	if err != nil {
		return nil, err
	}

	out := make(Tensors, len(named))
	for _, nt := range named {
		x := nt.Tensor.MustTotype(gotch.Float, true)
		vals := x.Float64Values()
		shape := x.MustSize()
		x.MustDrop()

		out[nt.Name] = &Tensor{Name: nt.Name, Shape: shape, Data: widen(vals)}
	}

	return out, nil
}
