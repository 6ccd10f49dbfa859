package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/radman021/nbft/internal/config"
	"github.com/radman021/nbft/internal/profiling"
	"github.com/radman021/nbft/network/zmqnet"
	"github.com/radman021/nbft/protocol/leaderrotation"
	"github.com/radman021/nbft/protocol/viewmanager/viewduration"
	"github.com/radman021/nbft/replica"
	"github.com/radman021/nbft/security/commitlog"
	"github.com/radman021/nbft/security/crypto"
	"github.com/radman021/nbft/security/crypto/keygen"
	"github.com/radman021/nbft/wiring"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a replica.",
	Long: `The run command starts one replica of the replica set described by the
configuration file. The configuration must list every replica with its id,
peer address, client address, and public key file. The replica joins the
set, fetches any log entries it missed, and serves clients on its client
address until interrupted.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runReplica()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Uint32("self-id", 0, "id of the replica to run")
	runCmd.Flags().String("privkey", "", "path to the private key file")
	runCmd.Flags().String("crypto", "eddsa", "name of the crypto implementation")
	runCmd.Flags().String("leader-rotation", "round-robin", "name of the leader rotation algorithm")
	runCmd.Flags().Uint32("batch-size", 1, "number of requests to batch together in each proposal")
	runCmd.Flags().Duration("view-timeout", 500*time.Millisecond, "duration of the first view")
	runCmd.Flags().Duration("max-timeout", 0, "upper limit on view timeouts")
	runCmd.Flags().Uint32("duration-samples", 1000, "number of previous views to consider when predicting view duration")
	runCmd.Flags().Float32("timeout-multiplier", 1.2, "number to multiply the view duration by in case of a timeout")
	runCmd.Flags().Uint64("checkpoint-interval", 100, "number of committed sequences between checkpoints")
	runCmd.Flags().Uint64("proposal-window", 200, "maximum number of sequences in flight above the stable checkpoint")
	runCmd.Flags().Int("groups", 0, "number of dissemination groups (0 broadcasts directly)")
	runCmd.Flags().Int64("shared-seed", 0, "shared random number generator seed")
	runCmd.Flags().String("data-dir", "", "directory for the durable log (in-memory if empty)")

	runCmd.Flags().String("cpu-profile", "", "file to write a cpu profile to")
	runCmd.Flags().String("mem-profile", "", "file to write a memory profile to")
	runCmd.Flags().String("trace", "", "file to write a trace to")
	runCmd.Flags().String("fgprof-profile", "", "file to write an fgprof profile to")

	cobra.CheckErr(viper.BindPFlags(runCmd.Flags()))
}

func runReplica() error {
	hostCfg, err := config.NewViper()
	if err != nil {
		return err
	}

	stopProfilers, err := profiling.StartProfilers(
		hostCfg.CPUProfile,
		hostCfg.MemProfile,
		hostCfg.Trace,
		hostCfg.FgprofProfile,
	)
	if err != nil {
		return fmt.Errorf("starting profilers: %w", err)
	}

	privKey, err := keygen.ReadPrivateKeyFile(hostCfg.Privkey)
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}

	depsCore := wiring.NewCore(hostCfg.SelfID, "nbft", privKey, hostCfg.RuntimeOptions()...)
	logger := depsCore.Logger()

	infos, err := hostCfg.ReplicaInfos()
	if err != nil {
		return err
	}
	for i := range infos {
		depsCore.RuntimeCfg().AddReplica(&infos[i])
	}

	var store *commitlog.Store
	if hostCfg.DataDir != "" {
		store, err = commitlog.Open(hostCfg.DataDir)
	} else {
		store, err = commitlog.OpenMemory()
	}
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("closing log store: %v", err)
		}
	}()

	base, err := crypto.New(depsCore.RuntimeCfg(), hostCfg.Crypto)
	if err != nil {
		return err
	}
	depsSecure, err := wiring.NewSecurity(logger, depsCore.RuntimeCfg(), store, base)
	if err != nil {
		return err
	}

	leaders, err := leaderrotation.New(logger, depsCore.EventLoop(), depsCore.RuntimeCfg(), hostCfg.LeaderRotation)
	if err != nil {
		return err
	}

	self, err := hostCfg.Self()
	if err != nil {
		return err
	}

	r, err := replica.New(
		depsCore,
		depsSecure,
		zmqnet.New(depsCore.EventLoop(), logger, depsCore.RuntimeCfg()),
		leaders,
		viewduration.NewDynamic(hostCfg.ViewDurationParams()),
		self.ClientAddress,
	)
	if err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	logger.Infof("replica %d running", hostCfg.SelfID)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	logger.Info("exiting...")
	r.Stop()

	return stopProfilers()
}
