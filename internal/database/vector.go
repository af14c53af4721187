package database

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Normalize returns a unit-length copy of v. A zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)

	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// EuclideanDistance computes the L2 distance between two vectors.
// On unit vectors this is a monotone function of cosine distance, so the
// matching thresholds keep a near-constant interpretation across models.
// Mismatched or empty inputs return +Inf.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// MeanCentroid computes the unit-normalized mean of a set of vectors.
// The average of unit vectors is not itself unit length, so the result is
// re-normalized. Returns nil for an empty input.
func MeanCentroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}

	mean := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		mean[i] = float32(sum[i] / n)
	}
	return Normalize(mean)
}

// SerializeVector encodes a vector as little-endian float32 bytes,
// normalizing first so stored vectors are always unit length.
func SerializeVector(v []float32) []byte {
	normalized := Normalize(v)
	buf := make([]byte, 4*len(normalized))
	for i, x := range normalized {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// DeserializeVector decodes little-endian float32 bytes back to a vector.
func DeserializeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
