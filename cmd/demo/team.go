package demo

import (
	"context"
	"time"

	"github.com/ValentinKolb/dIdx/cmd/util"
	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/common"
	"github.com/ValentinKolb/dIdx/lib/facet"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/ValentinKolb/dIdx/lib/workflow"
)

const teamType = "SportsTeam"

// team is the state of a SportsTeam actor
type team struct {
	Name     string `json:"name" msgpack:"name"`
	Location string `json:"location" msgpack:"location"`
	League   string `json:"league" msgpack:"league"`
}

// QualifiedName is computed from the state and indexed like a stored property.
func (t team) QualifiedName() string {
	if t.Name == "" {
		return ""
	}
	return t.Location + "-" + t.Name
}

// league holds the indexes of the demo and the activated teams.
type league struct {
	mode      string
	name      index.Index[string]
	qualified index.Index[string]
	location  index.Index[string]
	league    index.Index[string]

	reg   *facet.Registry[team]
	queue *workflow.Queue
	teams *actor.Directory[facet.IndexedState[team]]
}

func newLeague(conf common.Config, mode string, st *common.Storage) (*league, error) {
	l := &league{mode: mode}
	extra := util.IndexRuntimeOptions(st)

	// teams without a name or location are not indexed
	create := func(name string, unique, lazy bool) (index.Index[string], error) {
		opts, err := util.IndexOptions(conf, mode, name, unique, lazy)
		if err != nil {
			return nil, err
		}
		opts.NullValue = ""
		return index.New[string](opts, st.Store, extra...)
	}

	var err error
	if l.name, err = create("TeamName", true, false); err != nil {
		return nil, err
	}
	if l.qualified, err = create("TeamQualifiedName", false, false); err != nil {
		return nil, err
	}
	if l.location, err = create("TeamLocation", false, true); err != nil {
		return nil, err
	}
	if l.league, err = create("TeamLeague", false, true); err != nil {
		return nil, err
	}

	props, err := facet.NewIndexedType("TeamProperties",
		facet.Property(l.name, func(s team) string { return s.Name }),
		facet.Property(l.qualified, team.QualifiedName),
	)
	if err != nil {
		return nil, err
	}
	where, err := facet.NewIndexedType("TeamWhereabouts",
		facet.Property(l.location, func(s team) string { return s.Location }),
		facet.Property(l.league, func(s team) string { return s.League }),
	)
	if err != nil {
		return nil, err
	}
	if l.reg, err = facet.NewRegistry(props, where); err != nil {
		return nil, err
	}

	l.queue = workflow.NewQueue("demo", conf.LazyBatchSize, conf.Timeout())
	opts := facet.Options{Store: st.Store, Queue: l.queue}

	var dirOpts []actor.DirectoryOption[facet.IndexedState[team]]
	if mgr, ttl := util.Leases(st); mgr != nil {
		dirOpts = append(dirOpts, actor.WithLease[facet.IndexedState[team]](mgr, ttl))
	}
	l.teams = actor.NewDirectory(func(ctx context.Context, key string) (facet.IndexedState[team], error) {
		return util.NewFacet(ctx, mode, actor.NewRef(teamType, key), l.reg, opts)
	}, dirOpts...)
	return l, nil
}

func (l *league) update(ctx context.Context, key string, fn func(*team)) error {
	t, err := l.teams.GetOrActivate(ctx, key)
	if err != nil {
		return err
	}
	return t.PerformUpdate(ctx, func(s *team) error {
		fn(s)
		return nil
	})
}

func (l *league) deactivate(ctx context.Context, key string) error {
	t, ok := l.teams.Lookup(key)
	if !ok {
		return nil
	}
	if err := t.OnDeactivate(ctx); err != nil {
		return err
	}
	return l.teams.Deactivate(ctx, key)
}

// settle waits for the lazy indexes
func (l *league) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return l.queue.Flush(ctx)
}

func (l *league) close(ctx context.Context) error {
	l.queue.Close()
	var first error
	l.teams.Range(func(_ string, t facet.IndexedState[team]) bool {
		if err := t.OnDeactivate(ctx); err != nil && first == nil {
			first = err
		}
		return true
	})
	if err := l.teams.DeactivateAll(ctx); err != nil && first == nil {
		first = err
	}
	for _, idx := range []index.Index[string]{l.name, l.qualified, l.location, l.league} {
		if err := idx.Deactivate(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
