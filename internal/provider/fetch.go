package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PartialError a category that returned data but lost part of it, e.g. some readiness
// days. FetchAll keeps the data and still reports the category as failed.
type PartialError struct {
	Failed int
	Total  int
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d of %d requests failed: %v", e.Failed, e.Total, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Data everything one fan-out produced. Errors holds the categories that failed;
// their slices are left empty unless the failure was a PartialError.
type Data struct {
	Steps     []StepCount
	HeartRate HeartRateData
	Sleep     []SleepSession
	HRV       []HRVSample
	Readiness []ReadinessDay
	Activity  []ActivitySample
	Errors    map[Category]error
}

// Failed lists failed categories in report order
func (d *Data) Failed() []Category {
	failed := make([]Category, 0, len(d.Errors))
	for _, c := range Categories {
		if _, ok := d.Errors[c]; ok {
			failed = append(failed, c)
		}
	}
	return failed
}

// FetchAll calls every category of a in parallel. Each call gets its own timeout
// (timeout <= 0 leaves only the parent ctx); an error or timeout empties that
// category and nothing else. ErrUnsupported counts as an empty success.
// A PartialError keeps what was fetched and marks the category failed.
func FetchAll(ctx context.Context, a Adapter, w Window, timeout time.Duration) *Data {
	data := &Data{Errors: make(map[Category]error)}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	record := func(c Category, err error, assign func()) {
		mu.Lock()
		defer mu.Unlock()
		var partial *PartialError
		switch {
		case err == nil:
			assign()
		case errors.Is(err, ErrUnsupported):
		case errors.As(err, &partial):
			assign()
			data.Errors[c] = err
		default:
			data.Errors[c] = err
		}
	}

	wg.Add(len(Categories))
	go func() {
		defer wg.Done()
		v, err := callWithTimeout(ctx, timeout, func(ctx context.Context) ([]StepCount, error) { return a.FetchSteps(ctx, w) })
		record(CategorySteps, err, func() { data.Steps = v })
	}()
	go func() {
		defer wg.Done()
		v, err := callWithTimeout(ctx, timeout, func(ctx context.Context) (*HeartRateData, error) { return a.FetchHeartRate(ctx, w) })
		record(CategoryHeartRate, err, func() {
			if v != nil {
				data.HeartRate = *v
			}
		})
	}()
	go func() {
		defer wg.Done()
		v, err := callWithTimeout(ctx, timeout, func(ctx context.Context) ([]SleepSession, error) { return a.FetchSleep(ctx, w) })
		record(CategorySleep, err, func() { data.Sleep = v })
	}()
	go func() {
		defer wg.Done()
		v, err := callWithTimeout(ctx, timeout, func(ctx context.Context) ([]HRVSample, error) { return a.FetchHRV(ctx, w) })
		record(CategoryHRV, err, func() { data.HRV = v })
	}()
	go func() {
		defer wg.Done()
		v, err := callWithTimeout(ctx, timeout, func(ctx context.Context) ([]ReadinessDay, error) { return a.FetchReadiness(ctx, w) })
		record(CategoryReadiness, err, func() { data.Readiness = v })
	}()
	go func() {
		defer wg.Done()
		v, err := callWithTimeout(ctx, timeout, func(ctx context.Context) ([]ActivitySample, error) { return a.FetchActivity(ctx, w) })
		record(CategoryActivity, err, func() { data.Activity = v })
	}()

	wg.Wait()
	return data
}

// callWithTimeout returns as soon as either fn finishes or the call deadline passes,
// so an adapter that ignores ctx cannot stall the whole sync.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
