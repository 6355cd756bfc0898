package vecindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// encodeVector serializes a float32 vector as a length-prefixed little-endian
// blob, matching the teacher's internal/encoding length-prefix convention.
func encodeVector(v []float32) ([]byte, error) {
	buf := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(v)))
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, fmt.Errorf("vecindex: vector contains NaN/Inf at index %d", i)
		}
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], math.Float32bits(f))
	}
	return buf, nil
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("vecindex: truncated vector blob")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if int(n)*4+4 != len(buf) {
		return nil, fmt.Errorf("vecindex: vector blob length mismatch")
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4+4*i : 8+4*i]))
	}
	return out, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func validateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("vecindex: empty vector")
	}
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("vecindex: vector contains NaN/Inf at index %d", i)
		}
	}
	return nil
}
