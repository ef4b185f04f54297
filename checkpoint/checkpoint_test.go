package checkpoint_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/d4l3k/go-bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/x448/float16"

	"github.com/sugarme/swinretina/base"
	"github.com/sugarme/swinretina/checkpoint"
)

func newStore(t *testing.T) *nn.VarStore {
	t.Helper()
	vs := nn.NewVarStore(gotch.CPU)
	root := vs.Root()
	base.Linear(root.Sub("model").Sub("fc"), 4, 3, true)
	base.LayerNorm(root.Sub("model").Sub("norm"), 3)
	base.Linear(root.Sub("head"), 3, 2, false)
	return vs
}

func TestSafetensorsRoundTrip(t *testing.T) {
	src := newStore(t)
	tensors := checkpoint.FromVarStore(src, "model")
	require.Equal(t, []string{"fc.bias", "fc.weight", "norm.bias", "norm.weight"}, tensors.Names())

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path, tensors))

	read, err := checkpoint.Read(path)
	require.NoError(t, err)
	require.Equal(t, tensors.Names(), read.Names())
	for name, want := range tensors {
		assert.Equal(t, want.Shape, read[name].Shape, name)
		assert.Equal(t, want.Data, read[name].Data, name)
	}

	dst := newStore(t)
	report, err := checkpoint.Apply(dst, "model", read)
	require.NoError(t, err)
	assert.Len(t, report.Loaded, 4)
	assert.Empty(t, report.Dropped)

	got := dst.Variables()["model.fc.weight"]
	want := src.Variables()["model.fc.weight"]
	assert.True(t, got.MustEqual(&want, false))
}

func TestApplyDropsUnknownKeys(t *testing.T) {
	src := checkpoint.FromVarStore(newStore(t), "model")
	src["relative_position_index"] = &checkpoint.Tensor{Name: "relative_position_index", Shape: []int64{1}, Data: []float32{0}}
	src["head.weight"] = &checkpoint.Tensor{Name: "head.weight", Shape: []int64{2, 3}, Data: make([]float32, 6)}

	report, err := checkpoint.Apply(newStore(t), "model", src)
	require.NoError(t, err)
	assert.Equal(t, []string{"head.weight", "relative_position_index"}, report.Dropped)
}

func TestApplyMissingKey(t *testing.T) {
	vs := newStore(t)
	norm := vs.Variables()["model.norm.weight"]
	before := norm.Float64Values()

	src := checkpoint.FromVarStore(newStore(t), "model")
	src["norm.weight"].Data = []float32{7, 7, 7}
	delete(src, "fc.bias")

	_, err := checkpoint.Apply(vs, "model", src)
	require.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
	assert.Contains(t, err.Error(), "fc.bias")

	// nothing was copied
	after := vs.Variables()["model.norm.weight"]
	assert.Equal(t, before, after.Float64Values())
}

func TestApplyShapeMismatch(t *testing.T) {
	src := checkpoint.FromVarStore(newStore(t), "model")
	src["fc.weight"] = &checkpoint.Tensor{Name: "fc.weight", Shape: []int64{4, 3}, Data: make([]float32, 12)}

	_, err := checkpoint.Apply(newStore(t), "model", src)
	require.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
	assert.Contains(t, err.Error(), "fc.weight")

	_, err = checkpoint.Plan(newStore(t), "nothing", src)
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
}

func writeRaw(t *testing.T, path string, headers map[string]interface{}, data []byte) {
	t.Helper()
	header, err := json.Marshal(headers)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int64(len(header))))
	buf.Write(header)
	buf.Write(data)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestReadHalfPrecision(t *testing.T) {
	values := []float32{0.5, -1.25, 3}

	var data bytes.Buffer
	for _, v := range values {
		require.NoError(t, binary.Write(&data, binary.LittleEndian, float16.Fromfloat32(v).Bits()))
	}
	f16End := int64(data.Len())
	data.Write(bfloat16.EncodeFloat32(values))

	path := filepath.Join(t.TempDir(), "half.safetensors")
	writeRaw(t, path, map[string]interface{}{
		"__metadata__": map[string]string{"format": "pt"},
		"a":            map[string]interface{}{"dtype": "F16", "shape": []int64{3}, "data_offsets": []int64{0, f16End}},
		"b":            map[string]interface{}{"dtype": "BF16", "shape": []int64{3}, "data_offsets": []int64{f16End, f16End + 6}},
	}, data.Bytes())

	read, err := checkpoint.Read(path)
	require.NoError(t, err)
	assert.Equal(t, values, read["a"].Data)
	assert.Equal(t, values, read["b"].Data)
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := checkpoint.Read(filepath.Join(dir, "weights.npz"))
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))

	_, err = checkpoint.Read(filepath.Join(dir, "missing.safetensors"))
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))

	bad := filepath.Join(dir, "bad.pth")
	require.NoError(t, os.WriteFile(bad, []byte("not a pickle"), 0o644))
	_, err = checkpoint.Read(bad)
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
}

func TestRenameAndPrefix(t *testing.T) {
	src := checkpoint.Tensors{
		"model.layers.0.x": {Name: "model.layers.0.x", Shape: []int64{1}, Data: []float32{1}},
		"head.y":           {Name: "head.y", Shape: []int64{1}, Data: []float32{2}},
	}

	sub := src.WithPrefix("model.")
	assert.Equal(t, []string{"layers.0.x"}, sub.Names())

	renamed := src.Rename(strings.NewReplacer("layers.0.", "stage1."))
	assert.Contains(t, renamed, "model.stage1.x")
	assert.Equal(t, "model.stage1.x", renamed["model.stage1.x"].Name)
}

func TestReadTorch(t *testing.T) {
	read, err := checkpoint.Read(filepath.Join("testdata", "tiny.pth"))
	require.NoError(t, err)

	// "epoch" sits next to "model" and is not a tensor
	assert.ElementsMatch(t, []string{"fc.weight", "fc.bias", "attn.relative_position_index"}, read.Names())

	w := read["fc.weight"]
	assert.Equal(t, []int64{2, 3}, w.Shape)
	assert.Equal(t, []float32{0.5, -1, 2, 3, 4, 5}, w.Data)

	// view starting at storage offset 2
	b := read["fc.bias"]
	assert.Equal(t, []int64{2, 2}, b.Shape)
	assert.Equal(t, []float32{12, 13, 14, 15}, b.Data)

	idx := read["attn.relative_position_index"]
	assert.Equal(t, []int64{3}, idx.Shape)
	assert.Equal(t, []float32{0, 7, 42}, idx.Data)
}

func TestReadTorchNonContiguous(t *testing.T) {
	_, err := checkpoint.Read(filepath.Join("testdata", "strided.pth"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
	assert.Contains(t, err.Error(), "non-contiguous")
}

func TestReadSafetensorsMalformed(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 16)

	tensor := func(dtype string, shape []int64, lo, hi int64) map[string]interface{} {
		return map[string]interface{}{
			"w": map[string]interface{}{"dtype": dtype, "shape": shape, "data_offsets": []int64{lo, hi}},
		}
	}

	tests := []struct {
		name    string
		headers map[string]interface{}
		want    string
	}{
		{"reversed offsets", tensor("F32", []int64{2}, 8, 0), "outside"},
		{"negative offset", tensor("F32", []int64{2}, -8, 0), "outside"},
		{"past end of file", tensor("F32", []int64{8}, 0, 32), "outside"},
		{"partial element", tensor("F32", []int64{1}, 0, 6), "multiple"},
		{"unknown dtype", tensor("U8", []int64{16}, 0, 16), "unknown data type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".safetensors")
			writeRaw(t, path, tt.headers, data)

			_, err := checkpoint.Read(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	for _, n := range []int64{-8, 0, 1 << 40} {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, n))
		buf.WriteString(`{"w":{}}`)
		path := filepath.Join(dir, "header.safetensors")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

		_, err := checkpoint.Read(path)
		require.Error(t, err, "header length %d", n)
		assert.True(t, errors.Is(err, checkpoint.ErrCheckpoint))
		assert.Contains(t, err.Error(), "header length")
	}
}
