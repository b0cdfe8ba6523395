package kernel

import (
	"fmt"

	"ex-kagura/pkg/kagura"
)

// runSafely executes fn and converts panics into errors tagged with scope.
// Recovered panics wrap kagura.ErrHandlerPanic so callers can classify them.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: %w: %v", scope, kagura.ErrHandlerPanic, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
