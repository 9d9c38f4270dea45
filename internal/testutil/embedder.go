// Package testutil provides deterministic test doubles shared across
// packages.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/quarrylabs/quarry/internal/knowledge"
)

// HashEncoder is a deterministic knowledge.Encoder for tests: the vector
// for a text is derived from its SHA-256 hash, so identical text always
// embeds identically and distinct texts are effectively orthogonal.
// Fixed overrides let a test place specific texts near each other in
// vector space.
type HashEncoder struct {
	// Fixed maps exact texts to pre-chosen vectors (padded or truncated
	// to the store dimension, then normalized).
	Fixed map[string][]float32

	// Err, when set, is returned by every call.
	Err error

	// Calls counts Encode and EncodeBatch inputs, for assertion.
	Calls int
}

// Encode implements knowledge.Encoder.
func (e *HashEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	e.Calls++
	return e.vector(text), nil
}

// EncodeBatch implements knowledge.Encoder.
func (e *HashEncoder) EncodeBatch(_ context.Context, texts []string) ([][]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		e.Calls++
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEncoder) vector(text string) []float32 {
	if v, ok := e.Fixed[text]; ok {
		return fit(v)
	}

	vec := make([]float32, knowledge.EmbeddingDim)
	seed := sha256.Sum256([]byte(text))
	state := binary.BigEndian.Uint64(seed[:8])
	for i := range vec {
		// xorshift64 keeps the expansion deterministic and cheap.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		vec[i] = float32(int64(state%2000)-1000) / 1000
	}
	normalize(vec)
	return vec
}

// fit pads or truncates v to the store dimension and normalizes it, so
// tests can declare tiny hand-written vectors.
func fit(v []float32) []float32 {
	out := make([]float32, knowledge.EmbeddingDim)
	copy(out, v)
	normalize(out)
	return out
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
