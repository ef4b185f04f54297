// Package checkpoint reads pretrained weights and loads them into a VarStore.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrCheckpoint reports an unreadable checkpoint, or one that lacks tensors
// the model requires or carries them with the wrong shape.
var ErrCheckpoint = errors.New("checkpoint error")

// Tensor is a host copy of one checkpoint entry.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// NumElements returns the product of the shape.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Tensors maps checkpoint keys to tensors.
type Tensors map[string]*Tensor

// Names returns the keys in sorted order.
func (ts Tensors) Names() []string {
	names := make([]string, 0, len(ts))
	for k := range ts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Rename returns a copy of ts with every key passed through r.
func (ts Tensors) Rename(r *strings.Replacer) Tensors {
	out := make(Tensors, len(ts))
	for k, t := range ts {
		name := r.Replace(k)
		out[name] = &Tensor{Name: name, Shape: t.Shape, Data: t.Data}
	}
	return out
}

// WithPrefix returns the entries whose key starts with prefix, with the
// prefix removed.
func (ts Tensors) WithPrefix(prefix string) Tensors {
	out := make(Tensors)
	for k, t := range ts {
		if strings.HasPrefix(k, prefix) {
			name := strings.TrimPrefix(k, prefix)
			out[name] = &Tensor{Name: name, Shape: t.Shape, Data: t.Data}
		}
	}
	return out
}

// Read loads every tensor of the checkpoint at path. The format follows the
// file extension: PyTorch pickles (.pth, .pt, .bin), .safetensors, or gotch
// .ot archives. PyTorch files that wrap the state dict under "model" or
// "state_dict" are unwrapped.
func Read(path string) (Tensors, error) {
	var (
		ts  Tensors
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pth", ".pt", ".bin":
		ts, err = readTorch(path)
	case ".safetensors":
		ts, err = readSafetensors(path)
	case ".ot":
		ts, err = readGotch(path)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported checkpoint format %q", ErrCheckpoint, path, ext)
	}
	if err != nil {
		if errors.Is(err, ErrCheckpoint) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpoint, path, err)
	}

	return ts, nil
}
