package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/config"
	"github.com/localmind/localmind/internal/serve"
)

var (
	benchRequests int
	benchPrompt   string
	benchMaxTokens int64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Fire a batch of synthetic chat requests and report latency",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			logrus.Fatalf("config: %v", err)
		}
		setLogLevel(cfg.Logging.Level)

		srv, registry, err := buildServer(cfg)
		if err != nil {
			logrus.Fatalf("bench: %v", err)
		}
		if registry != nil {
			defer registry.Close()
		}

		runBench(srv.Pipeline, cfg)
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchRequests, "requests", 16, "Number of concurrent synthetic requests to fire")
	benchCmd.Flags().StringVar(&benchPrompt, "prompt", "Summarize the history of the Roman Empire in one paragraph.", "Prompt text every synthetic request uses")
	benchCmd.Flags().Int64Var(&benchMaxTokens, "max-tokens", 128, "Max output tokens per synthetic request")
}

// runBench is the live-service analog of the teacher's GeneratePoissonArrivals
// + Run + Metrics.Print sequence (cmd/root.go's runCmd): instead of a
// discrete-event simulation loop it fires benchRequests real chat
// requests through the scheduling engine concurrently and reports
// mean and max wall-clock latency, exercising the same admission/batching
// path a production client would hit.
func runBench(pipeline *serve.Pipeline, cfg *config.Config) {
	if benchRequests <= 0 {
		logrus.Fatal("bench: --requests must be positive")
	}
	latencies := make([]time.Duration, benchRequests)
	var wg sync.WaitGroup
	wg.Add(benchRequests)

	start := time.Now()
	for i := 0; i < benchRequests; i++ {
		go func(i int) {
			defer wg.Done()
			reqStart := time.Now()

			out := make(chan serve.Delta, 16)
			req := serve.ChatRequest{
				ID:        fmt.Sprintf("bench-%d", i),
				Messages:  []chattpl.Message{{Role: chattpl.RoleUser, Content: benchPrompt}},
				Sampler:   cfg.Sampler,
				MaxTokens: benchMaxTokens,
			}
			if err := pipeline.Submit(req, out); err != nil {
				logrus.Errorf("bench: request %d: %v", i, err)
				return
			}
			for range out {
			}
			latencies[i] = time.Since(reqStart)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	printBenchSummary(benchRequests, elapsed, latencies)
}

func printBenchSummary(n int, elapsed time.Duration, latencies []time.Duration) {
	var total time.Duration
	max := latencies[0]
	for _, l := range latencies {
		total += l
		if l > max {
			max = l
		}
	}
	fmt.Printf("requests=%d wall=%s mean_latency=%s max_latency=%s throughput=%.2f req/s\n",
		n, elapsed, total/time.Duration(n), max, float64(n)/elapsed.Seconds())
}
