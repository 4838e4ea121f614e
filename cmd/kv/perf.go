package kv

import (
	"fmt"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/larchdb/larch/cmd/util"
	"github.com/larchdb/larch/rpc/common"
)

var (
	perfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for larch servers",
		RunE:  runPerf,
	}
	perfThreads    = 10
	perfKeySpread  = 100
	perfDuration   = 10 * time.Second
	perfValueBytes = 100
)

func init() {
	key := "threads"
	perfCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent client goroutines"))
	key = "keys"
	perfCmd.Flags().Int(key, 100, util.WrapString("How many distinct object ids to spread operations over"))
	key = "duration"
	perfCmd.Flags().Duration(key, 10*time.Second, util.WrapString("How long to run each benchmark"))
	key = "value-size"
	perfCmd.Flags().Int(key, 100, util.WrapString("Object value size in bytes"))
}

func runPerf(cmd *cobra.Command, _ []string) error {
	c, done, err := connect(cmd)
	if err != nil {
		return err
	}
	defer done()

	perfThreads = viper.GetInt("threads")
	perfKeySpread = viper.GetInt("keys")
	perfDuration = viper.GetDuration("duration")
	perfValueBytes = viper.GetInt("value-size")

	fmt.Println("Performance testing tool for larch servers")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d, keys: %d, duration: %s\n\n", perfThreads, perfKeySpread, perfDuration)

	if err := c.CreateTable("__perf"); err != nil {
		return err
	}
	tableID, err := c.OpenTable("__perf")
	if err != nil {
		return err
	}

	value := make([]byte, perfValueBytes)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	benchmark("write", func(i int) error {
		_, err := c.Write(tableID, uint64(i%perfKeySpread), value, common.RejectRules{})
		return err
	})
	benchmark("read", func(i int) error {
		_, _, err := c.Read(tableID, uint64(i%perfKeySpread), common.RejectRules{})
		return err
	})
	benchmark("remove", func(i int) error {
		_, err := c.Remove(tableID, uint64(i%perfKeySpread), common.RejectRules{})
		return err
	})

	return c.DropTable("__perf")
}

// benchmark hammers op from perfThreads goroutines for perfDuration and
// reports an rcrowley/go-metrics latency histogram.
func benchmark(name string, op func(i int) error) {
	histogram := gometrics.NewHistogram(gometrics.NewExpDecaySample(4096, 0.015))
	var (
		wg     sync.WaitGroup
		errors int64
		ops    int64
		mu     sync.Mutex
	)
	stop := time.Now().Add(perfDuration)

	for t := 0; t < perfThreads; t++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			i := seed
			for time.Now().Before(stop) {
				start := time.Now()
				err := op(i)
				elapsed := time.Since(start)
				mu.Lock()
				ops++
				if err != nil {
					errors++
				}
				mu.Unlock()
				histogram.Update(elapsed.Nanoseconds())
				i += perfThreads
			}
		}(t)
	}
	wg.Wait()

	snapshot := histogram.Snapshot()
	percentiles := snapshot.Percentiles([]float64{0.5, 0.9, 0.99})
	fmt.Printf("%-8s %8d ops  %6.0f ops/sec  p50=%s p90=%s p99=%s errors=%d\n",
		name,
		ops,
		float64(ops)/perfDuration.Seconds(),
		time.Duration(percentiles[0]),
		time.Duration(percentiles[1]),
		time.Duration(percentiles[2]),
		errors)
}
