package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func readSafetensors(path string) (Tensors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n <= 0 || n > size-8 {
		return nil, fmt.Errorf("header length %d out of range for %d byte file", n, size)
	}
	body := size - 8 - n

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	out := make(Tensors, len(headers))
	for key, value := range headers {
		// __metadata__ carries no dtype
		if value.Type == "" {
			continue
		}
		if len(value.Offsets) != 2 {
			return nil, fmt.Errorf("tensor %q: malformed data_offsets %v", key, value.Offsets)
		}

		width, err := dtypeWidth(value.Type)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", key, err)
		}
		lo, hi := value.Offsets[0], value.Offsets[1]
		if lo < 0 || lo > hi || hi > body {
			return nil, fmt.Errorf("tensor %q: data_offsets %v outside %d byte body", key, value.Offsets, body)
		}
		if (hi-lo)%width != 0 {
			return nil, fmt.Errorf("tensor %q: %d bytes is not a multiple of %s width %d", key, hi-lo, value.Type, width)
		}

		r := io.NewSectionReader(f, 8+n+lo, hi-lo)
		data, err := decodeSafetensor(r, value.Type, hi-lo)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", key, err)
		}

		t := &Tensor{Name: key, Shape: value.Shape, Data: data}
		if int64(len(data)) != t.NumElements() {
			return nil, fmt.Errorf("tensor %q: %d values for shape %v", key, len(data), value.Shape)
		}
		out[key] = t
	}

	return out, nil
}

// dtypeWidth is the byte size of one element of dtype.
func dtypeWidth(dtype string) (int64, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	case "I64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown data type: %s", dtype)
	}
}

func decodeSafetensor(r io.Reader, dtype string, size int64) ([]float32, error) {
	switch dtype {
	case "F32":
		f32s := make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		u8s := make([]uint8, size)
		if err := binary.Read(r, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}
		return bfloat16.DecodeFloat32(u8s), nil
	case "I64":
		i64s := make([]int64, size/8)
		if err := binary.Read(r, binary.LittleEndian, i64s); err != nil {
			return nil, err
		}
		return widen(i64s), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}

// WriteSafetensors writes ts as float32 safetensors, keys sorted.
func WriteSafetensors(path string, ts Tensors) error {
	names := ts.Names()
	sort.Strings(names)

	headers := make(map[string]safetensorMetadata, len(names))
	var offset int64
	for _, name := range names {
		size := 4 * int64(len(ts[name].Data))
		headers[name] = safetensorMetadata{
			Type:    "F32",
			Shape:   ts[name].Shape,
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	// data starts 8-byte aligned
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		return err
	}
	for _, name := range names {
		if err := binary.Write(f, binary.LittleEndian, ts[name].Data); err != nil {
			return err
		}
	}

	return f.Close()
}
