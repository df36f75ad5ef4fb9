package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// scriptBudget bounds one script invocation's wall-clock time. Isolation is
// cooperative: the interpreter is interrupted at the budget, but native
// calls cannot be preempted mid-flight.
const scriptBudget = 1000 * time.Millisecond

// scriptSpecHandler compiles a function body once at registration, rejecting
// syntax errors immediately, and returns a handler that evaluates it with a
// params binding under the time budget.
func scriptSpecHandler(name, body string) (func(ctx context.Context, args map[string]any) (any, error), error) {
	source := "(function(params){\n" + body + "\n})"
	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, fmt.Errorf("script syntax error: %w", err)
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		vm := goja.New()
		timer := time.AfterFunc(scriptBudget, func() {
			vm.Interrupt("script timeout")
		})
		defer timer.Stop()

		value, err := vm.RunProgram(program)
		if err != nil {
			return nil, scriptError(err)
		}
		fn, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("script did not evaluate to a function")
		}

		params := vm.ToValue(args)
		if args == nil {
			params = vm.ToValue(map[string]any{})
		}
		result, err := fn(goja.Undefined(), params)
		if err != nil {
			return nil, scriptError(err)
		}

		// A deferred value must already be settled; there is no event loop
		// to drive it further.
		if promise, ok := result.Export().(*goja.Promise); ok {
			switch promise.State() {
			case goja.PromiseStateFulfilled:
				return promise.Result().Export(), nil
			case goja.PromiseStateRejected:
				return nil, fmt.Errorf("script promise rejected: %v", promise.Result())
			default:
				return nil, fmt.Errorf("script returned an unsettled promise")
			}
		}
		return result.Export(), nil
	}, nil
}

func scriptError(err error) error {
	if _, ok := err.(*goja.InterruptedError); ok {
		return fmt.Errorf("script timeout after %s", scriptBudget)
	}
	return fmt.Errorf("script error: %w", err)
}
