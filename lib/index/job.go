package index

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dIdx/lib/actor"
)

// Target is an index as seen by code that does not know its key type.
type Target interface {
	Options() Options
	// ApplyJobs applies jobs that all belong to this target.
	ApplyJobs(ctx context.Context, jobs []Job) error
}

// Job is one typed property update bound to its index and actor.
type Job interface {
	Target() Target
	Actor() actor.Ref
	Apply(ctx context.Context) error
	// Inverse returns the job that undoes this one.
	Inverse() Job
	WithMode(m UpdateMode) Job
}

// Change is the Job of an Index[K].
type Change[K comparable] struct {
	Index  Index[K]
	Ref    actor.Ref
	Update PropertyUpdate[K]
}

func (c Change[K]) Target() Target   { return c.Index }
func (c Change[K]) Actor() actor.Ref { return c.Ref }

func (c Change[K]) Apply(ctx context.Context) error {
	return c.Index.Apply(ctx, c.Ref, c.Update)
}

func (c Change[K]) Inverse() Job {
	c.Update = c.Update.Inverse()
	return c
}

func (c Change[K]) WithMode(m UpdateMode) Job {
	c.Update = c.Update.WithMode(m)
	return c
}

func (c Change[K]) String() string {
	return fmt.Sprintf("%s %s: %s", c.Index.Name(), c.Ref, c.Update)
}
