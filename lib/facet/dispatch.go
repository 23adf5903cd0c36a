package facet

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Reason tells why index updates are dispatched.
type Reason uint8

const (
	ReasonWriteState Reason = iota // the actor changed its state
	ReasonActivate                 // replay after activation
	ReasonDeactivate               // the actor is leaving memory
)

func (r Reason) String() string {
	switch r {
	case ReasonWriteState:
		return "WriteState"
	case ReasonActivate:
		return "Activate"
	case ReasonDeactivate:
		return "Deactivate"
	default:
		return fmt.Sprintf("Reason(%d)", r)
	}
}

// byType groups the positions of changes per indexed type, keeping their order.
func byType[S any](changes []change[S]) [][]int {
	var groups [][]int
	pos := make(map[string]int)
	for i, c := range changes {
		g, ok := pos[c.typ.name]
		if !ok {
			g = len(groups)
			pos[c.typ.name] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// dispatchWorkflow applies the changes of every indexed type in parallel, the
// changes of one type in order. Failures are independent: errs holds the error
// of each change and err their aggregate.
func dispatchWorkflow[S any](ctx context.Context, ref actor.Ref, reason Reason, changes []change[S], mode index.UpdateMode) (errs []error, err error) {
	if len(changes) == 0 {
		return nil, nil
	}
	log.Debugf("%s: dispatching %d updates (%s, %s)", ref, len(changes), reason, mode)

	errs = make([]error, len(changes))
	var wg sync.WaitGroup
	for _, group := range byType(changes) {
		wg.Add(1)
		go func(group []int) {
			defer wg.Done()
			for _, i := range group {
				job := changes[i].job
				if mode != index.ModeNonTentative {
					job = job.WithMode(mode)
				}
				errs[i] = job.Apply(ctx)
			}
		}(group)
	}
	wg.Wait()

	var all *multierror.Error
	for i, e := range errs {
		if e != nil {
			all = multierror.Append(all, fmt.Errorf("index %s: %w", changes[i].job.Target().Options().Name, e))
		}
	}
	return errs, all.ErrorOrNil()
}

// dispatchTransactional applies the changes inside the ambient transaction of ctx.
// Types run in parallel, the first failure is returned once all of them stopped,
// so the caller never aborts while a bucket is still being modified.
func dispatchTransactional[S any](ctx context.Context, ref actor.Ref, reason Reason, changes []change[S]) error {
	if len(changes) == 0 {
		return nil
	}
	log.Debugf("%s: dispatching %d updates (%s, transactional)", ref, len(changes), reason)

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range byType(changes) {
		g.Go(func() error {
			for _, i := range group {
				job := changes[i].job.WithMode(index.ModeTransactional)
				if err := job.Apply(gctx); err != nil {
					return fmt.Errorf("index %s: %w", job.Target().Options().Name, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
