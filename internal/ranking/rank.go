package ranking

import (
	"fmt"
	"sort"

	"github.com/example/image-classifier/internal/errdefs"
)

// Prediction is one label with the probability the model assigned to it.
type Prediction struct {
	Label       string  `json:"class"`
	Probability float32 `json:"probability"`
}

// Rank pairs probs with labels by index, sorts by descending probability
// and keeps the first min(k, len(labels)). Equal probabilities keep
// vocabulary order. A k of zero yields an empty result; a negative k is
// rejected.
func Rank(probs []float32, labels []string, k int) ([]Prediction, error) {
	if k < 0 {
		return nil, fmt.Errorf("%w: k must not be negative, got %d", errdefs.ErrInvalidArgument, k)
	}
	if len(probs) != len(labels) {
		return nil, fmt.Errorf("%w: %d probabilities for %d labels", errdefs.ErrVocabularyMismatch, len(probs), len(labels))
	}

	predictions := make([]Prediction, len(probs))
	for i, p := range probs {
		predictions[i] = Prediction{Label: labels[i], Probability: p}
	}

	sort.SliceStable(predictions, func(i, j int) bool {
		return predictions[i].Probability > predictions[j].Probability
	})

	if k > len(predictions) {
		k = len(predictions)
	}
	return predictions[:k], nil
}
