package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// stateDictKeys are the entries training scripts commonly nest weights under.
var stateDictKeys = []string{"model", "state_dict"}

type entry struct {
	key   string
	value interface{}
}

// entries lists the (string key, value) pairs of a pickled dict.
func entries(v interface{}) ([]entry, bool) {
	var out []entry
	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if s, ok := k.(string); ok {
				out = append(out, entry{s, d.MustGet(k)})
			}
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			oe := e.Value.(*types.OrderedDictEntry)
			if s, ok := oe.Key.(string); ok {
				out = append(out, entry{s, oe.Value})
			}
		}
	default:
		return nil, false
	}
	return out, true
}

func readTorch(path string) (Tensors, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	items, ok := entries(pt)
	if !ok {
		return nil, fmt.Errorf("top-level object is %T, not a dict", pt)
	}
	for _, key := range stateDictKeys {
		for _, it := range items {
			if it.key != key {
				continue
			}
			if nested, ok := entries(it.value); ok {
				items = nested
			}
		}
	}

	out := make(Tensors)
	for _, it := range items {
		t, ok := it.value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		data, err := torchData(t)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", it.key, err)
		}
		shape := make([]int64, len(t.Size))
		for i, d := range t.Size {
			shape[i] = int64(d)
		}
		out[it.key] = &Tensor{Name: it.key, Shape: shape, Data: data}
	}

	return out, nil
}

// torchData returns the elements of a contiguous pickled tensor as float32.
func torchData(t *pytorch.Tensor) ([]float32, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	expect := 1
	for i := len(t.Stride) - 1; i >= 0 && len(t.Stride) == len(t.Size); i-- {
		if t.Size[i] != 1 && t.Stride[i] != expect {
			return nil, fmt.Errorf("non-contiguous layout (size %v, stride %v)", t.Size, t.Stride)
		}
		expect *= t.Size[i]
	}
	lo, hi := t.StorageOffset, t.StorageOffset+n

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return s.Data[lo:hi], nil
	case *pytorch.HalfStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return s.Data[lo:hi], nil
	case *pytorch.BFloat16Storage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return s.Data[lo:hi], nil
	case *pytorch.DoubleStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return widen(s.Data[lo:hi]), nil
	case *pytorch.LongStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return widen(s.Data[lo:hi]), nil
	case *pytorch.IntStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return widen(s.Data[lo:hi]), nil
	default:
		return nil, fmt.Errorf("unsupported storage %T", s)
	}
}

func widen[T float64 | int64 | int32](xs []T) []float32 {
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(x)
	}
	return out
}

func errOutOfRange(hi, n int) error {
	return fmt.Errorf("storage holds %d elements, tensor needs %d", n, hi)
}
