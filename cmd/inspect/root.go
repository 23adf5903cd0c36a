package inspect

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dIdx/cmd/util"
	"github.com/ValentinKolb/dIdx/lib/common"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// IndexCommands inspects indexes with string keys in an existing store
	IndexCommands = &cobra.Command{
		Use:   "index",
		Short: "Inspect persisted indexes",
		Long: `Inspect indexes with string keys in an existing store (e.g. a bolt file
written by demo or bench). --max-hash-buckets and --codec must match the
values the index was written with.`,
		PersistentPreRunE: processIndexConfig,
	}
	infoCmd = &cobra.Command{
		Use:   "info <index>...",
		Short: "Print chain statistics of indexes",
		Args:  cobra.MinimumNArgs(1),
		RunE: withIndex(func(ctx context.Context, idx index.Index[string], _ []string) error {
			info, err := idx.Info(ctx)
			if err != nil {
				return err
			}
			fmt.Println(info.String())
			return nil
		}),
	}
	lookupCmd = &cobra.Command{
		Use:   "lookup <index> <key>",
		Short: "Print the actors indexed under a key",
		Args:  cobra.ExactArgs(2),
		RunE: withIndex(func(ctx context.Context, idx index.Index[string], args []string) error {
			if viper.GetBool("unique") {
				ref, err := idx.LookupUnique(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(ref)
				return nil
			}
			refs, err := idx.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Println(ref)
			}
			return nil
		}),
	}
	disposeCmd = &cobra.Command{
		Use:   "dispose <index>...",
		Short: "Mark indexes as disposed",
		Args:  cobra.MinimumNArgs(1),
		RunE: withIndex(func(ctx context.Context, idx index.Index[string], _ []string) error {
			if err := idx.Dispose(ctx); err != nil {
				return err
			}
			fmt.Printf("disposed %s\n", idx.Name())
			return nil
		}),
	}
)

func init() {
	IndexCommands.AddCommand(infoCmd)
	IndexCommands.AddCommand(lookupCmd)
	IndexCommands.AddCommand(disposeCmd)

	key := "unique"
	lookupCmd.Flags().Bool(key, false, util.WrapString("Use a unique lookup, which fails unless exactly one actor is indexed"))
}

func processIndexConfig(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

// withIndex opens the store and calls fn once per index named in args. For
// lookup the first arg is the index and the rest is passed on.
func withIndex(fn func(ctx context.Context, idx index.Index[string], args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		conf, st, err := util.Open(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, st.Close()) }()

		names, rest := args, []string(nil)
		if cmd.Name() == "lookup" {
			names, rest = args[:1], args[1:]
		}

		for _, name := range names {
			idx, err := open(conf, st, name)
			if err != nil {
				return err
			}
			if cmd.Name() != "info" {
				ok, err := idx.IsAvailable(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("index %s is not available", name)
				}
			}
			if err := fn(ctx, idx, rest); err != nil {
				return err
			}
			if err := idx.Deactivate(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func open(conf common.Config, st *common.Storage, name string) (index.Index[string], error) {
	opts, err := conf.IndexOptions(name)
	if err != nil {
		return nil, err
	}
	return index.New[string](opts, st.Store, util.IndexRuntimeOptions(st)...)
}
