package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultPerTargetTimeout is the default timeout for each call.
	DefaultPerTargetTimeout = 2 * time.Second
)

var (
	// ErrNoTargets is returned when Do is called without targets.
	ErrNoTargets = errors.New("no targets provided")
	// ErrNotEnoughAcks is returned when fewer targets than required answered.
	ErrNotEnoughAcks = errors.New("not enough acks")
)

// Func performs one call to a single target. A nil error is an ack.
type Func func(ctx context.Context, target string) error

// Result describes a finished fan-out.
type Result struct {
	Acks     int
	Required int
	Targets  int
	// Acked lists the targets that answered, in target order.
	Acked []string
	// Err is nil iff at least Required targets acked.
	Err error
}

// Success reports whether enough targets acked.
func (r Result) Success() bool { return r.Err == nil }

// Do calls fn for every target in parallel, each with its own timeout, and
// returns once required targets acked or every call finished. A required
// count of zero or less means a majority. Calls still running when Do
// returns are cancelled.
func Do(ctx context.Context, targets []string, required int, perTarget time.Duration, fn Func) Result {
	if len(targets) == 0 {
		return Result{Err: ErrNoTargets}
	}
	if required <= 0 {
		required = (len(targets) / 2) + 1
	}
	if required > len(targets) {
		return Result{
			Required: required,
			Targets:  len(targets),
			Err:      fmt.Errorf("required=%d exceeds target count=%d", required, len(targets)),
		}
	}
	if perTarget <= 0 {
		perTarget = DefaultPerTargetTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type reply struct {
		idx int
		err error
	}
	replies := make(chan reply, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			callCtx, callCancel := context.WithTimeout(ctx, perTarget)
			defer callCancel()
			replies <- reply{idx: i, err: fn(callCtx, target)}
		}(i, target)
	}
	go func() {
		wg.Wait()
		close(replies)
	}()

	var (
		acked []int
		errs  *multierror.Error
	)
	result := func(err error) Result {
		sort.Ints(acked)
		names := make([]string, len(acked))
		for i, idx := range acked {
			names[i] = targets[idx]
		}
		return Result{Acks: len(acked), Required: required, Targets: len(targets), Acked: names, Err: err}
	}

	for {
		select {
		case r, ok := <-replies:
			if !ok {
				err := fmt.Errorf("%w: acks=%d required=%d targets=%d", ErrNotEnoughAcks, len(acked), required, len(targets))
				if errs != nil {
					err = fmt.Errorf("%w: %w", err, errs.ErrorOrNil())
				}
				return result(err)
			}
			if r.err != nil {
				errs = multierror.Append(errs, fmt.Errorf("target %s: %w", targets[r.idx], r.err))
				continue
			}
			acked = append(acked, r.idx)
			if len(acked) >= required {
				return result(nil)
			}
		case <-ctx.Done():
			return result(fmt.Errorf("context cancelled: %w", ctx.Err()))
		}
	}
}
