// Package fanout runs independent tasks concurrently and settles all of them
// before reporting. A failing task never prevents its siblings from running
// to completion; every failure is collected into a single *Error value.
//
// Example:
//
//	err := fanout.Run(ctx, 8,
//		fanout.Task{Name: "delete s1", Fn: func(ctx context.Context) error { return host.DeleteSession(ctx, "s1") }},
//		fanout.Task{Name: "delete s2", Fn: func(ctx context.Context) error { return host.DeleteSession(ctx, "s2") }},
//	)
//	var agg *fanout.Error
//	if errors.As(err, &agg) {
//		for _, f := range agg.Failures { ... }
//	}
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrIncomplete is returned by Collect and Run when the caller's context ended before
// every task settled. Tasks already started keep running; the outcome is
// unknown rather than failed.
var ErrIncomplete = errors.New("fanout: incomplete")

// Task is a named unit of work. Name is used to identify the task in
// aggregated failures.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Result is the settled outcome of a single Task.
type Result struct {
	Name string
	Err  error
}

// Failure describes a single failed task within an *Error.
type Failure struct {
	Name string
	Err  error
}

// Error aggregates every failed task of a fan-out batch.
type Error struct {
	Failures []Failure
}

func (e *Error) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("%s: %v", e.Failures[0].Name, e.Failures[0].Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks failed:", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n\t%s: %v", f.Name, f.Err)
	}
	return b.String()
}

// Unwrap exposes the individual task errors to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Failed reports whether the named task is among the failures.
func (e *Error) Failed(name string) bool {
	for _, f := range e.Failures {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Settle runs every task concurrently, with at most limit tasks in flight
// when limit > 0, and waits for all of them to finish. Results are returned
// in the same order as tasks. A panicking task is reported as a failure of
// that task only.
//
// Tasks receive a context that is not canceled when ctx is; values carried by
// ctx remain visible.
func Settle(ctx context.Context, limit int, tasks ...Task) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	taskCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = Result{Name: task.Name, Err: call(taskCtx, task)}
			// Never short-circuit the group; failures live in results.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Join converts settled results into nil or an *Error listing every failure.
func Join(results []Result) error {
	var failures []Failure
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, Failure{Name: r.Name, Err: r.Err})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &Error{Failures: failures}
}

// Collect settles tasks like Settle but stops waiting when ctx ends. In that
// case it returns nil results and an error matching both ErrIncomplete and
// ctx.Err(); the tasks themselves still run to completion.
func Collect(ctx context.Context, limit int, tasks ...Task) ([]Result, error) {
	if len(tasks) == 0 {
		return []Result{}, nil
	}

	done := make(chan []Result, 1)
	go func() {
		done <- Settle(ctx, limit, tasks...)
	}()

	select {
	case results := <-done:
		return results, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, ctx.Err())
	}
}

// Run collects tasks and joins their results into nil or an *Error.
func Run(ctx context.Context, limit int, tasks ...Task) error {
	results, err := Collect(ctx, limit, tasks...)
	if err != nil {
		return err
	}
	return Join(results)
}

func call(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if task.Fn == nil {
		return errors.New("nil task")
	}
	return task.Fn(ctx)
}
