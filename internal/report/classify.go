package report

import (
	"fmt"

	"listing-batch/internal/model"
)

type Classification string

const (
	ClassExact   Classification = "exact"
	ClassOver    Classification = "over_consumption"
	ClassUnder   Classification = "under_consumption"
	ClassUnknown Classification = "unknown"
)

// Classify compares how far the item count moved with what the runner says
// it processed, and explains the verdict in plain words.
func Classify(initial, final, processed int) (Classification, string) {
	if initial == model.CountUnknown || final == model.CountUnknown || initial < 0 || final < 0 {
		return ClassUnknown, "item counts were not measured for this step"
	}
	delta := initial - final
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta == processed:
		return ClassExact, fmt.Sprintf("the item count moved by %d, matching the %d items processed", delta, processed)
	case delta > processed:
		return ClassOver, fmt.Sprintf(
			"the item count moved by %d but only %d items were processed; %d extra items changed, possibly moved twice or by someone else",
			delta, processed, delta-processed)
	default:
		return ClassUnder, fmt.Sprintf(
			"%d items were processed but the item count moved by only %d; %d items may have failed silently or reappeared",
			processed, delta, processed-delta)
	}
}
