package classifier

import (
	"fmt"
	"sort"

	"github.com/develbox-ro/ad-cognition/models"
)

// DefaultTopK is how many predictions the local backend reports.
const DefaultTopK = 2

// TopK returns the k highest scores in descending order. Equal scores keep
// their output order.
func TopK(scores []float32, labels []string, k int) []models.LabelScore {
	ranked := make([]models.LabelScore, len(scores))
	for i, s := range scores {
		ranked[i] = models.LabelScore{Label: labelFor(labels, i), Score: s}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if k > 0 && k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}

func labelFor(labels []string, i int) string {
	if i < len(labels) && labels[i] != "" {
		return labels[i]
	}
	return fmt.Sprintf("class_%d", i)
}
