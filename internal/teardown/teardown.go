// Package teardown runs independent cleanup steps where no failure may
// prevent the steps after it.
package teardown

import (
	"fmt"

	"github.com/user/tunnel-client/internal/logger"
)

// Step is one named cleanup action.
type Step struct {
	Name string
	Do   func() error
}

// Run executes every step in order, logging failures as warnings, and
// returns the failures. A panicking step counts as failed.
func Run(log logger.Sink, steps ...Step) []error {
	if log == nil {
		log = logger.Default()
	}
	var errs []error
	for _, s := range steps {
		if err := runStep(s); err != nil {
			log.Warnf("%s: %v", s.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errs
}

func runStep(s Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.Do == nil {
		return nil
	}
	return s.Do()
}
