package ngpt

import (
	"fmt"
	"math"

	"ngptd/pkg/tensor"
)

// CrossEntropy computes the mean cross-entropy between logit rows and
// integer labels. Labels equal to ignoreIndex are excluded from the
// mean; if every label is excluded the loss is zero.
func CrossEntropy(logits *tensor.Tensor, labels []int, ignoreIndex int) float64 {
	n, v := logits.Dim(0), logits.Dim(1)
	if len(labels) != n {
		panic(fmt.Sprintf("ngpt: %d labels for %d logit rows", len(labels), n))
	}
	total := 0.0
	count := 0
	for i, label := range labels {
		if label == ignoreIndex {
			continue
		}
		if label < 0 || label >= v {
			panic(fmt.Sprintf("ngpt: label %d out of range [0,%d)", label, v))
		}
		row := logits.Row(i)
		total += logSumExp(row) - row[label]
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func logSumExp(v []float64) float64 {
	maxVal := math.Inf(-1)
	for _, x := range v {
		if x > maxVal {
			maxVal = x
		}
	}
	sum := 0.0
	for _, x := range v {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// crossEntropyBackward returns dLoss/dLogits for the mean-reduced
// cross-entropy. Ignored rows receive zero gradient.
func crossEntropyBackward(logits *tensor.Tensor, labels []int, ignoreIndex int) *tensor.Tensor {
	n, v := logits.Dim(0), logits.Dim(1)
	grad := tensor.New(n, v)

	count := 0
	for _, label := range labels {
		if label != ignoreIndex {
			count++
		}
	}
	if count == 0 {
		return grad
	}
	inv := 1 / float64(count)

	for i, label := range labels {
		if label == ignoreIndex {
			continue
		}
		row := grad.Row(i)
		tensor.SoftmaxInto(row, logits.Row(i))
		row[label] -= 1
		for c := range row {
			row[c] *= inv
		}
	}
	return grad
}
