package demo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dIdx/cmd/util"
	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// DemoCmd runs the SportsTeam scenario
	DemoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run the SportsTeam example",
		Long: `Activates three SportsTeam actors (Sonics and Mariners in Seattle,
Giants in SF), moves the Mariners to SF and prints the index lookups after every step.

The Name index is unique and the QualifiedName index is computed from
Location and Name. Location and League are lazy in the lazy mode.`,
		PreRunE: processDemoConfig,
		RunE:    runDemo,
	}
	demoMode = util.ModeEager
)

func init() {
	key := "mode"
	DemoCmd.Flags().String(key, util.ModeEager, util.WrapString("How the indexes are updated (txn, eager, lazy, ft)"))
}

func processDemoConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	demoMode = viper.GetString("mode")
	return util.CheckMode(demoMode)
}

func runDemo(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	conf, st, err := util.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	fmt.Printf("SportsTeam demo (mode %s)\n", demoMode)
	fmt.Println(conf.String())

	l, err := newLeague(conf, demoMode, st)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, l.close(ctx)) }()

	steps := []struct {
		title string
		key   string
		fn    func(*team)
	}{
		{"Sonics join the NBA in Seattle", "A", func(s *team) { s.Name, s.Location, s.League = "Sonics", "Seattle", "NBA" }},
		{"Mariners join the MLB in Seattle", "B", func(s *team) { s.Name, s.Location, s.League = "Mariners", "Seattle", "MLB" }},
		{"Giants join the MLB in SF", "C", func(s *team) { s.Name, s.Location, s.League = "Giants", "SF", "MLB" }},
	}
	for _, step := range steps {
		fmt.Printf("> %s\n", step.title)
		if err := l.update(ctx, step.key, step.fn); err != nil {
			return err
		}
	}
	if err := l.print(ctx); err != nil {
		return err
	}

	fmt.Println("> Mariners are deactivated and move to SF")
	if err := l.deactivate(ctx, "B"); err != nil {
		return err
	}
	if err := l.update(ctx, "B", func(s *team) { s.Location = "SF" }); err != nil {
		return err
	}
	if err := l.print(ctx); err != nil {
		return err
	}

	fmt.Println("> Giants try to rename themselves to Sonics")
	err = l.update(ctx, "C", func(s *team) { s.Name = "Sonics" })
	switch {
	case errors.Is(err, index.ErrConstraintViolation):
		fmt.Printf("  rejected: %v\n", err)
	case err != nil:
		return err
	default:
		return fmt.Errorf("unique constraint on TeamName was not enforced")
	}
	return l.print(ctx)
}

func (l *league) print(ctx context.Context) error {
	if err := l.settle(ctx); err != nil {
		return err
	}
	for _, loc := range []string{"Seattle", "SF"} {
		refs, err := stream(ctx, l.location, loc)
		if err != nil {
			return err
		}
		fmt.Printf("  TeamLocation[%s] = %v\n", loc, refs)
	}
	for _, lg := range []string{"NBA", "MLB"} {
		refs, err := l.league.Lookup(ctx, lg)
		if err != nil {
			return err
		}
		fmt.Printf("  TeamLeague[%s] = %v\n", lg, refs)
	}
	for _, qn := range []string{"Seattle-Mariners", "SF-Mariners"} {
		refs, err := l.qualified.Lookup(ctx, qn)
		if err != nil {
			return err
		}
		fmt.Printf("  TeamQualifiedName[%s] = %v\n", qn, refs)
	}
	ref, err := l.name.LookupUnique(ctx, "Sonics")
	if err != nil {
		return err
	}
	fmt.Printf("  TeamName[Sonics] = %v\n", ref)
	return nil
}

// stream reads a lookup through a ChanObserver, the way a remote caller would consume it.
func stream(ctx context.Context, idx index.Index[string], key string) ([]actor.Ref, error) {
	obs := index.NewChanObserver(1)
	errc := make(chan error, 1)
	go func() { errc <- idx.LookupStream(ctx, key, obs) }()

	var refs []actor.Ref
	for {
		select {
		case batch, ok := <-obs.C:
			if !ok {
				return refs, <-errc
			}
			refs = append(refs, batch...)
		case err := <-errc:
			// a failed stream never completes, a successful one closed C already
			if err != nil {
				return nil, err
			}
			for batch := range obs.C {
				refs = append(refs, batch...)
			}
			return refs, nil
		}
	}
}
