package train

import (
	"fmt"
	"math/rand"
	"os"

	"ngptd/pkg/tokenizer"
)

// Dataset serves random fixed-length autoregressive windows from a
// byte corpus. Each sample is SeqLen+1 tokens: inputs plus the shifted
// labels.
type Dataset struct {
	data   []byte
	seqLen int
}

// NewDataset wraps an in-memory corpus.
func NewDataset(data []byte, seqLen int) (*Dataset, error) {
	if seqLen < 1 {
		return nil, fmt.Errorf("train: sequence length must be positive, got %d", seqLen)
	}
	if len(data) < seqLen+1 {
		return nil, fmt.Errorf("train: corpus of %d bytes cannot fill a %d token window", len(data), seqLen+1)
	}
	return &Dataset{data: data, seqLen: seqLen}, nil
}

// LoadDataset reads the corpus at path.
func LoadDataset(path string, seqLen int) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("train: read corpus: %w", err)
	}
	return NewDataset(data, seqLen)
}

// Len returns the corpus size in bytes.
func (d *Dataset) Len() int { return len(d.data) }

// SeqLen returns the window length excluding the label shift.
func (d *Dataset) SeqLen() int { return d.seqLen }

// Split cuts the corpus into a head train set and tail validation set.
// frac is the training fraction.
func (d *Dataset) Split(frac float64) (train, val *Dataset, err error) {
	cut := int(float64(len(d.data)) * frac)
	train, err = NewDataset(d.data[:cut], d.seqLen)
	if err != nil {
		return nil, nil, fmt.Errorf("train split: %w", err)
	}
	val, err = NewDataset(d.data[cut:], d.seqLen)
	if err != nil {
		return nil, nil, fmt.Errorf("validation split: %w", err)
	}
	return train, val, nil
}

// Sample draws one random window of SeqLen+1 token ids.
func (d *Dataset) Sample(rng *rand.Rand) []int {
	start := rng.Intn(len(d.data) - d.seqLen)
	return tokenizer.EncodeBytes(d.data[start : start+d.seqLen+1])
}
