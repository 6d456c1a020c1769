package health

import (
	"github.com/hashicorp/go-multierror"
)

// MultiChecker reports healthy only when every registered checker does.
type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

// Check runs all checkers and combines their failures, so one probe
// response names every unhealthy component.
func (mc *MultiChecker) Check() error {
	var result *multierror.Error
	for _, checker := range mc.checkers {
		result = multierror.Append(result, checker.Check())
	}
	return result.ErrorOrNil()
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}
