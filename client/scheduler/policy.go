package scheduler

import (
	"strings"

	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/random"
)

// PriorityPolicy selects how the scheduler picks a priority class.
type PriorityPolicy string

const (
	// PolicyHard always serves the most urgent non-empty class.
	PolicyHard PriorityPolicy = "HARD"
	// PolicySoft first tries a class drawn at random with weights favouring
	// urgent classes, then falls back to strict order.
	PolicySoft PriorityPolicy = "SOFT"
)

// ErrInvalidPolicy is returned for an unknown policy name.
var ErrInvalidPolicy = errors.New("invalid priority policy")

// ErrInvalidWeights is returned when soft policy weights are unusable.
var ErrInvalidWeights = errors.New("invalid priority weights")

// DefaultSoftWeights gives class i a weight of NumPriorityClasses-i.
var DefaultSoftWeights = []int{7, 6, 5, 4, 3, 2, 1}

// PossiblePolicies lists the accepted policy names.
func PossiblePolicies() []string {
	return []string{string(PolicyHard), string(PolicySoft)}
}

// ParsePriorityPolicy accepts a policy name in any case.
func ParsePriorityPolicy(s string) (PriorityPolicy, error) {
	switch PriorityPolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case PolicyHard:
		return PolicyHard, nil
	case PolicySoft:
		return PolicySoft, nil
	}
	return "", errors.Wrap(ErrInvalidPolicy, s)
}

type weightedClasses struct {
	weights []int
	total   int
}

func newWeightedClasses(weights []int) (weightedClasses, error) {
	if len(weights) == 0 {
		weights = DefaultSoftWeights
	}
	if len(weights) != requester.NumPriorityClasses {
		return weightedClasses{}, errors.Errorf("%w: need %d weights, got %d", ErrInvalidWeights, requester.NumPriorityClasses, len(weights))
	}
	total := 0
	for _, w := range weights {
		if w < 0 {
			return weightedClasses{}, errors.Errorf("%w: negative weight %d", ErrInvalidWeights, w)
		}
		total += w
	}
	if total == 0 {
		return weightedClasses{}, errors.Errorf("%w: all weights are zero", ErrInvalidWeights)
	}
	return weightedClasses{weights: append([]int(nil), weights...), total: total}, nil
}

func (w weightedClasses) pick(rnd random.Source) requester.PriorityClass {
	n := rnd.IntN(w.total)
	for i, weight := range w.weights {
		if n < weight {
			return requester.PriorityClass(i)
		}
		n -= weight
	}
	return requester.MinimumPriority
}
