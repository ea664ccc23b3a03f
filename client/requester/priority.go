package requester

import (
	"strconv"
	"strings"

	"github.com/LumeraProtocol/keynode/pkg/errors"
)

// PriorityClass orders requests. Lower values are more urgent.
type PriorityClass uint8

const (
	MaximumPriority PriorityClass = iota
	InteractivePriority
	ImmediateSplitfilePriority
	UpdatePriority
	BulkSplitfilePriority
	PrefetchPriority
	MinimumPriority
)

// NumPriorityClasses is the number of distinct priority classes.
const NumPriorityClasses = int(MinimumPriority) + 1

// ErrInvalidPriority is returned for a priority class outside the known range.
var ErrInvalidPriority = errors.New("invalid priority class")

var priorityNames = [NumPriorityClasses]string{
	"MAXIMUM",
	"INTERACTIVE",
	"IMMEDIATE_SPLITFILE",
	"UPDATE",
	"BULK_SPLITFILE",
	"PREFETCH",
	"MINIMUM",
}

// Valid reports whether p is one of the defined classes.
func (p PriorityClass) Valid() bool {
	return int(p) < NumPriorityClasses
}

func (p PriorityClass) String() string {
	if !p.Valid() {
		return "PRIORITY(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

// ParsePriorityClass accepts either the class name or its number.
func ParsePriorityClass(s string) (PriorityClass, error) {
	s = strings.TrimSpace(s)
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return PriorityClass(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= NumPriorityClasses {
		return 0, errors.Wrap(ErrInvalidPriority, s)
	}
	return PriorityClass(n), nil
}
