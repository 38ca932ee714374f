// Package vector provides distance helpers for embedding vectors.
package vector

// SquaredL2 returns the squared Euclidean distance between two vectors of
// equal length. Callers must check dimensions first.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}
