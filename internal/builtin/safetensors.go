package builtin

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// writeSafetensors writes 2-D tensors in the safetensors layout: an 8-byte
// little-endian header length, a JSON header, then the raw data.
func writeSafetensors(path string, tensors map[string][][]float64, half bool, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	dtype, width := "F32", int64(4)
	if half {
		dtype, width = "F16", 2
	}

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, n := range names {
		t := tensors[n]
		rows, cols := len(t), 0
		if rows > 0 {
			cols = len(t[0])
		}
		size := int64(rows*cols) * width
		header[n] = tensorInfo{DType: dtype, Shape: []int{rows, cols}, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, n := range names {
		for _, row := range tensors[n] {
			for _, x := range row {
				if half {
					binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(float32(x)).Bits())
					_, err = w.Write(buf[:2])
				} else {
					binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(x)))
					_, err = w.Write(buf)
				}
				if err != nil {
					return err
				}
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// readSafetensors reads a file written by writeSafetensors.
func readSafetensors(path string) (map[string][][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if n > 1<<26 {
		return nil, fmt.Errorf("header length %d is implausible", n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	out := make(map[string][][]float64, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(info.Shape) != 2 {
			return nil, fmt.Errorf("tensor %s: want 2 dimensions, got %v", name, info.Shape)
		}
		width := int64(4)
		switch info.DType {
		case "F32":
		case "F16":
			width = 2
		default:
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		rows, cols := info.Shape[0], info.Shape[1]
		if start < 0 || end > int64(len(data)) || end-start != int64(rows*cols)*width {
			return nil, fmt.Errorf("tensor %s: bad data offsets %v", name, info.DataOffsets)
		}
		chunk := data[start:end]
		t := make([][]float64, rows)
		for r := range t {
			row := make([]float64, cols)
			for c := range row {
				i := int64(r*cols+c) * width
				if width == 2 {
					row[c] = float64(float16.Frombits(binary.LittleEndian.Uint16(chunk[i:])).Float32())
				} else {
					row[c] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk[i:])))
				}
			}
			t[r] = row
		}
		out[name] = t
	}
	return out, nil
}
