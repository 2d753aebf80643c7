// Package cdptest provides a recording cdp.Executor for tests. Responses are
// canned JSON (or values) decoded into the command's result struct with the
// same JSON engine cdproto uses.
package cdptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-json-experiment/json"
)

// Call records one executed CDP command.
type Call struct {
	Method string
	Params any
}

// Responder produces the result for one command. A string or []byte is taken
// as raw JSON; any other value is marshalled first.
type Responder func(ctx context.Context, params any) (any, error)

// Executor implements cdp.Executor.
type Executor struct {
	mu         sync.Mutex
	calls      []Call
	responders map[string]Responder
}

// NewExecutor returns an Executor that succeeds with empty results for any
// command without a responder.
func NewExecutor() *Executor {
	return &Executor{responders: make(map[string]Responder)}
}

// On installs r for method, replacing any previous responder.
func (e *Executor) On(method string, r Responder) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responders[method] = r
	return e
}

// Respond answers method with a fixed result.
func (e *Executor) Respond(method string, result any) *Executor {
	return e.On(method, func(context.Context, any) (any, error) { return result, nil })
}

// Fail makes method return err.
func (e *Executor) Fail(method string, err error) *Executor {
	return e.On(method, func(context.Context, any) (any, error) { return nil, err })
}

// Block makes method wait until its context ends.
func (e *Executor) Block(method string) *Executor {
	return e.On(method, func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// Sequence answers successive calls with results in order, repeating the last.
func (e *Executor) Sequence(method string, results ...any) *Executor {
	var (
		mu sync.Mutex
		i  int
	)
	return e.On(method, func(context.Context, any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[i]
		if i < len(results)-1 {
			i++
		}
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r, nil
	})
}

// Execute implements cdp.Executor.
func (e *Executor) Execute(ctx context.Context, method string, params, res any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.calls = append(e.calls, Call{Method: method, Params: params})
	r := e.responders[method]
	e.mu.Unlock()

	if r == nil {
		return nil
	}
	v, err := r(ctx, params)
	if err != nil {
		return err
	}
	if res == nil || v == nil {
		return nil
	}

	var data []byte
	switch t := v.(type) {
	case string:
		data = []byte(t)
	case []byte:
		data = t
	default:
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("cdptest: marshal %s result: %w", method, err)
		}
	}
	if err := json.Unmarshal(data, res); err != nil {
		return fmt.Errorf("cdptest: decode %s result: %w", method, err)
	}
	return nil
}

// Calls returns every recorded call in order.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Methods returns the recorded method names in order.
func (e *Executor) Methods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.Method
	}
	return out
}

// CallsTo returns the recorded calls for method.
func (e *Executor) CallsTo(method string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Call
	for _, c := range e.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times method ran.
func (e *Executor) Count(method string) int { return len(e.CallsTo(method)) }

// Reset forgets recorded calls but keeps responders.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
