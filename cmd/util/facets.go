package util

import (
	"context"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/common"
	"github.com/ValentinKolb/dIdx/lib/facet"
	"github.com/ValentinKolb/dIdx/lib/index"
)

// Update modes selectable on the command line
const (
	ModeTransactional = "txn"
	ModeEager         = "eager"
	ModeLazy          = "lazy"
	ModeFaultTolerant = "ft"
)

var Modes = []string{ModeTransactional, ModeEager, ModeLazy, ModeFaultTolerant}

// CheckMode returns an error for unknown modes
func CheckMode(mode string) error {
	for _, m := range Modes {
		if m == mode {
			return nil
		}
	}
	return fmt.Errorf("invalid mode %q (expected one of %s)", mode, strings.Join(Modes, ", "))
}

// IndexOptions returns the options of an index used by a facet running in mode.
// lazy only has an effect in the lazy mode, unique indexes always stay eager.
func IndexOptions(conf common.Config, mode, name string, unique, lazy bool) (index.Options, error) {
	opts, err := conf.IndexOptions(name)
	if err != nil {
		return opts, err
	}
	opts.Unique = unique
	opts.Transactional = mode == ModeTransactional
	opts.Eager = !(mode == ModeLazy && lazy && !unique)
	return opts, nil
}

// NewFacet creates and activates the facet of ref for mode
func NewFacet[S any](ctx context.Context, mode string, ref actor.Ref, reg *facet.Registry[S], opts facet.Options) (facet.IndexedState[S], error) {
	var (
		st  facet.IndexedState[S]
		err error
	)
	switch mode {
	case ModeTransactional:
		st, err = facet.NewTransactionalState(ref, reg, opts)
	case ModeEager, ModeLazy:
		st, err = facet.NewWorkflowState(ref, reg, opts)
	case ModeFaultTolerant:
		st, err = facet.NewFaultTolerantState(ref, reg, opts)
	default:
		return nil, CheckMode(mode)
	}
	if err != nil {
		return nil, err
	}
	if err := st.OnActivate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
