package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aeolun/memdb-socket/pkg/client"
)

var (
	serverAddr  string
	payload     string
	expect      string
	count       int
	concurrency int
	timeout     time.Duration
	verbose     bool
)

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "addr", "a", "127.0.0.1:7878", "server address (host:port)")
	rootCmd.Flags().StringVar(&payload, "payload", "hello", "bytes to send on each connection")
	rootCmd.Flags().StringVar(&expect, "expect", "world", "expected reply, empty to accept any")
	rootCmd.Flags().IntVarP(&count, "count", "n", 1, "number of connections to make")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 1, "connections in flight at once")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "deadline for each exchange")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every reply")
}

var rootCmd = &cobra.Command{
	Use:           "memdb-socket-client",
	Short:         "Probe a greeting server",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	prober, err := client.NewProber(serverAddr, timeout)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var stats client.Stats
	jobs := make(chan int)
	var wg sync.WaitGroup

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				probeOnce(ctx, log, prober, &stats, id)
			}
		}()
	}

feed:
	for i := 0; i < count; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			log.Info("Interrupted, stopping")
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	succeeded, failed, mismatched, avg := stats.Snapshot()
	sent, received := prober.Traffic()

	log.Infof("=== Results for %s ===", prober.Addr())
	log.Infof("Duration: %v", time.Since(start).Round(time.Millisecond))
	log.Infof("Succeeded: %d", succeeded)
	log.Infof("Failed: %d", failed)
	log.Infof("Unexpected replies: %d", mismatched)
	log.Infof("Average round trip: %v", avg)
	log.Infof("Traffic: %d bytes sent, %d bytes received", sent, received)

	if failed > 0 || mismatched > 0 {
		return fmt.Errorf("%d of %d probes did not get the expected reply", failed+mismatched, count)
	}
	return nil
}

func probeOnce(ctx context.Context, log logrus.FieldLogger, prober *client.Prober, stats *client.Stats, id int) {
	res, err := prober.Probe(ctx, []byte(payload))
	if err != nil {
		stats.RecordFailure()
		log.WithError(err).Warnf("[probe %d] failed", id)
		return
	}

	if expect != "" && !bytes.Equal(res.Reply, []byte(expect)) {
		stats.RecordMismatch()
		log.Warnf("[probe %d] unexpected reply %q", id, res.Reply)
		return
	}

	stats.RecordSuccess(res.RoundTrip)
	log.Debugf("[probe %d] %q in %v", id, res.Reply, res.RoundTrip)
}
