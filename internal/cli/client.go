package cli

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/client"
	"github.com/radman021/nbft/internal/config"
)

var (
	clientID               uint32
	clientPayloadSize      uint32
	clientMaxConcurrent    uint32
	clientRateLimit        float64
	clientRateStep         float64
	clientRateStepInterval time.Duration
	clientDuration         time.Duration
	clientTimeout          time.Duration
	clientMaxAttempts      int

	// clientCmd represents the client command
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Run a load-generating client.",
		Long: `The client command submits randomly generated requests to the replica set
from the configuration file and prints throughput and commit latency when
the run ends. The submission rate can be fixed with --rate-limit, or stepped
up over time with --rate-step to probe for the saturation point.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runClient()
		},
	}
)

func init() {
	rootCmd.AddCommand(clientCmd)

	clientCmd.Flags().Uint32Var(&clientID, "id", 1, "id of this client")
	clientCmd.Flags().Uint32Var(&clientPayloadSize, "payload-size", 32, "size in bytes of the request payload")
	clientCmd.Flags().Uint32Var(&clientMaxConcurrent, "max-concurrent", 4, "maximum number of concurrent requests")
	clientCmd.Flags().Float64Var(&clientRateLimit, "rate-limit", math.Inf(1), "rate limit (in requests/second)")
	clientCmd.Flags().Float64Var(&clientRateStep, "rate-step", 0, "rate limit step up (in requests/second)")
	clientCmd.Flags().DurationVar(&clientRateStepInterval, "rate-step-interval", time.Hour, "how often the rate limit should be increased")
	clientCmd.Flags().DurationVar(&clientDuration, "duration", 10*time.Second, "duration of the run")
	clientCmd.Flags().DurationVar(&clientTimeout, "client-timeout", 500*time.Millisecond, "how long to wait for a reply before trying another replica")
	clientCmd.Flags().IntVar(&clientMaxAttempts, "max-attempts", 0, "replicas tried per request before giving up (0 never gives up)")
}

func runClient() error {
	// the client shares the replica table with the run command, but needs
	// none of the replica-side settings, so it skips the full validation
	var hostCfg config.HostConfig
	if err := viper.Unmarshal(&hostCfg); err != nil {
		return fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if len(hostCfg.Replicas) == 0 {
		return fmt.Errorf("no replicas configured")
	}
	targets := make([]client.Target, 0, len(hostCfg.Replicas))
	for _, r := range hostCfg.Replicas {
		if r.ClientAddress == "" {
			return fmt.Errorf("replica %d has no client-address", r.ID)
		}
		targets = append(targets, client.Target{ID: r.ID, Address: r.ClientAddress})
	}

	c, err := client.New(client.Config{
		ID:               nbft.ClientID(clientID),
		Targets:          targets,
		PayloadSize:      clientPayloadSize,
		MaxConcurrent:    clientMaxConcurrent,
		RateLimit:        clientRateLimit,
		RateStep:         clientRateStep,
		RateStepInterval: clientRateStepInterval,
		Timeout:          clientTimeout,
		MaxAttempts:      clientMaxAttempts,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientDuration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err := c.Run(ctx); err != nil {
		return err
	}

	result := c.Result()
	fmt.Printf("Committed: %d, Failed: %d, Throughput (ops/sec): %.2f, Latency (ms): %.2f, Latency Std.dev (ms): %.2f\n",
		result.Count,
		result.Failed,
		result.Throughput,
		float64(result.LatencyAvg)/float64(time.Millisecond),
		float64(result.LatencyStdDev)/float64(time.Millisecond),
	)
	return nil
}
