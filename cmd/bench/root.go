package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dIdx/cmd/util"
	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/common"
	"github.com/ValentinKolb/dIdx/lib/facet"
	"github.com/ValentinKolb/dIdx/lib/index"
	libutil "github.com/ValentinKolb/dIdx/lib/util"
	"github.com/ValentinKolb/dIdx/lib/workflow"
	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	// BenchCmd measures how many actors per second can be indexed
	BenchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Benchmark indexed actor updates",
		Long: `Activates N actors with P indexed properties each and updates every actor
once, with C updates running concurrently. Reports actors per second and the
latency of a single update.`,
		PreRunE: processBenchConfig,
		RunE:    runBench,
	}
	benchActors      = 1000
	benchProps       = 3
	benchConcurrency = 10
	benchValues      = 100
	benchMode        = util.ModeEager
	benchMetrics     = ""
)

func init() {
	key := "actors"
	BenchCmd.Flags().Int(key, benchActors, util.WrapString("Number of actors to update"))
	key = "props"
	BenchCmd.Flags().Int(key, benchProps, util.WrapString("Number of indexed properties per actor"))
	key = "concurrency"
	BenchCmd.Flags().Int(key, benchConcurrency, util.WrapString("Number of concurrent actor updates"))
	key = "values"
	BenchCmd.Flags().Int(key, benchValues, util.WrapString("Number of distinct values per property"))
	key = "mode"
	BenchCmd.Flags().String(key, benchMode, util.WrapString("How the indexes are updated (txn, eager, lazy, ft)"))
	key = "metrics"
	BenchCmd.Flags().String(key, "", util.WrapString("Write the index metrics in Prometheus format to this file after the run (- for stdout)"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchActors = viper.GetInt("actors")
	benchProps = viper.GetInt("props")
	benchConcurrency = viper.GetInt("concurrency")
	benchValues = viper.GetInt("values")
	benchMode = viper.GetString("mode")
	benchMetrics = viper.GetString("metrics")

	if benchActors <= 0 || benchProps <= 0 || benchConcurrency <= 0 || benchValues <= 0 {
		return fmt.Errorf("actors, props, concurrency and values must be positive")
	}
	return util.CheckMode(benchMode)
}

// player is the state of a benchmark actor
type player struct {
	Props []string `json:"props" msgpack:"props"`
}

func value(id, prop int) string {
	return "v" + strconv.Itoa((id*(prop+1))%benchValues)
}

type setup struct {
	indexes []index.Index[string]
	reg     *facet.Registry[player]
	queue   *workflow.Queue
}

func newSetup(conf common.Config, st *common.Storage) (*setup, error) {
	s := &setup{indexes: make([]index.Index[string], benchProps)}
	extra := util.IndexRuntimeOptions(st)

	bindings := make([]facet.PropertyBinding[player], benchProps)
	for i := range benchProps {
		opts, err := util.IndexOptions(conf, benchMode, fmt.Sprintf("BenchProp%d", i), false, true)
		if err != nil {
			return nil, err
		}
		opts.NullValue = ""
		if s.indexes[i], err = index.New[string](opts, st.Store, extra...); err != nil {
			return nil, err
		}
		bindings[i] = facet.Property(s.indexes[i], func(p player) string {
			if i < len(p.Props) {
				return p.Props[i]
			}
			return ""
		})
	}

	typ, err := facet.NewIndexedType("BenchPlayer", bindings...)
	if err != nil {
		return nil, err
	}
	if s.reg, err = facet.NewRegistry(typ); err != nil {
		return nil, err
	}
	s.queue = workflow.NewQueue("bench", conf.LazyBatchSize, conf.Timeout())
	return s, nil
}

func runBench(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	conf, st, err := util.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	fmt.Println("Benchmark for indexed actor updates")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(conf.String())
	fmt.Printf("Mode: %s, Actors: %d, Properties: %d, Concurrency: %d\n", benchMode, benchActors, benchProps, benchConcurrency)
	fmt.Println()

	s, err := newSetup(conf, st)
	if err != nil {
		return err
	}
	defer s.queue.Close()

	latency := metrics.NewTimer()
	perWorker := make([]atomic.Int64, benchConcurrency)
	opts := facet.Options{Store: st.Store, Queue: s.queue}

	ids := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ids)
		for i := range benchActors {
			select {
			case ids <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	start := time.Now()
	for w := range benchConcurrency {
		g.Go(func() error {
			for id := range ids {
				began := time.Now()
				ref := actor.NewRef("BenchPlayer", strconv.Itoa(id))
				p, err := util.NewFacet(gctx, benchMode, ref, s.reg, opts)
				if err != nil {
					return err
				}
				err = p.PerformUpdate(gctx, func(state *player) error {
					state.Props = make([]string, benchProps)
					for i := range state.Props {
						state.Props[i] = value(id, i)
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("updating %s: %w", ref, err)
				}
				latency.UpdateSince(began)
				perWorker[w].Add(1)
				if err := p.OnDeactivate(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.queue.Flush(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := verify(ctx, s.indexes[0]); err != nil {
		return err
	}

	counts := make([]float64, benchConcurrency)
	for i := range perWorker {
		counts[i] = float64(perWorker[i].Load())
	}
	printResult(elapsed, latency, libutil.NewStats(counts))

	for _, idx := range s.indexes {
		info, err := idx.Info(ctx)
		if err != nil {
			return err
		}
		fmt.Println(info.String())
		if err := idx.Deactivate(ctx); err != nil {
			return err
		}
	}

	return writeMetrics()
}

// verify checks that every actor can be found through the first index
func verify(ctx context.Context, idx index.Index[string]) error {
	found := 0
	for v := range min(benchValues, benchActors) {
		refs, err := idx.Lookup(ctx, "v"+strconv.Itoa(v))
		if err != nil {
			return err
		}
		found += len(refs)
	}
	if found != benchActors {
		return fmt.Errorf("index %s holds %d actors, expected %d", idx.Name(), found, benchActors)
	}
	return nil
}

func printResult(elapsed time.Duration, latency metrics.Timer, workers libutil.Stats) {
	ps := latency.Percentiles([]float64{0.5, 0.95, 0.99})
	ms := func(ns float64) string { return fmt.Sprintf("%.3f ms", ns/float64(time.Millisecond)) }

	fmt.Printf("%-20s: %s\n", "Elapsed", elapsed.Round(time.Millisecond))
	fmt.Printf("%-20s: %.1f\n", "Actors/sec", float64(benchActors)/elapsed.Seconds())
	fmt.Printf("%-20s: %s\n", "Latency mean", ms(latency.Mean()))
	fmt.Printf("%-20s: %s / %s / %s\n", "Latency p50/95/99", ms(ps[0]), ms(ps[1]), ms(ps[2]))
	fmt.Printf("%-20s: %s\n", "Latency max", ms(float64(latency.Max())))
	fmt.Printf("%-20s: %.1f (min/max ratio %.2f)\n", "Updates per worker", workers.Mean, workers.MinMaxRatio)
	fmt.Println()
}

func writeMetrics() error {
	switch benchMetrics {
	case "":
		return nil
	case "-":
		vmetrics.WritePrometheus(os.Stdout, false)
		return nil
	default:
		f, err := os.Create(benchMetrics)
		if err != nil {
			return err
		}
		vmetrics.WritePrometheus(f, false)
		return f.Close()
	}
}
