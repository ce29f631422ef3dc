package dataset

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
)

type Embedder interface {
	Lookup(word string) ([]float64, bool)
	Dim() int
}

// HashEmbedder derives a fixed pseudo-random unit-scale vector from each word,
// so every word is known and runs need no embedding file.
type HashEmbedder struct {
	dim int

	mu    sync.Mutex
	cache map[string][]float64
}

func NewHashEmbedder(dim int) (*HashEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be > 0, got %d", dim)
	}
	return &HashEmbedder{dim: dim, cache: make(map[string][]float64)}, nil
}

func (e *HashEmbedder) Dim() int {
	return e.dim
}

func (e *HashEmbedder) Lookup(word string) ([]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.cache[word]; ok {
		return append([]float64(nil), v...), true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(word))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float64, e.dim)
	scale := 1 / math.Sqrt(float64(e.dim))
	for i := range v {
		v[i] = rng.NormFloat64() * scale
	}
	e.cache[word] = v
	return append([]float64(nil), v...), true
}

// TableEmbedder serves vectors loaded from a word-vector file.
type TableEmbedder struct {
	dim     int
	vectors map[string][]float64
}

func (e *TableEmbedder) Dim() int {
	return e.dim
}

func (e *TableEmbedder) Lookup(word string) ([]float64, bool) {
	v, ok := e.vectors[word]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), v...), true
}

func (e *TableEmbedder) Len() int {
	return len(e.vectors)
}

// LoadGloVe reads the GloVe text format: a word followed by dim
// space-separated floats per line. When words is non-empty only those words
// are kept.
func LoadGloVe(r io.Reader, dim int, words ...string) (*TableEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be > 0, got %d", dim)
	}
	var keep map[string]bool
	if len(words) > 0 {
		keep = make(map[string]bool, len(words))
		for _, w := range words {
			keep[w] = true
		}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	table := &TableEmbedder{dim: dim, vectors: make(map[string][]float64)}
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return nil, fmt.Errorf("glove line %d: got %d values, want %d", line, len(fields)-1, dim)
		}
		word := fields[0]
		if keep != nil && !keep[word] {
			continue
		}
		v := make([]float64, dim)
		for i, raw := range fields[1:] {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("glove line %d: %w", line, err)
			}
			v[i] = f
		}
		table.vectors[word] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// Describe averages the embeddings of the words in text.
func Describe(e Embedder, text string) ([]float64, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("empty description")
	}
	out := make([]float64, e.Dim())
	for _, w := range words {
		v, ok := e.Lookup(w)
		if !ok {
			return nil, fmt.Errorf("no embedding for %q", w)
		}
		for i := range out {
			out[i] += v[i]
		}
	}
	for i := range out {
		out[i] /= float64(len(words))
	}
	return out, nil
}
