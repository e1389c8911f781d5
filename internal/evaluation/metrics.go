package evaluation

// Precision is the share of predictions that were right. Returns 0.0 when nothing was predicted.
func Precision(truePositives, predicted int) float64 {
	if predicted == 0 {
		return 0.0
	}
	return float64(truePositives) / float64(predicted)
}

// Recall is the share of labelled items that were found. Returns 0.0 when nothing was labelled.
func Recall(truePositives, expected int) float64 {
	if expected == 0 {
		return 0.0
	}
	return float64(truePositives) / float64(expected)
}

// F1 is the harmonic mean of precision and recall.
func F1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * precision * recall / (precision + recall)
}
