package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/cluster"
	"github.com/radman021/nbft/internal/config"
)

var (
	groupsView  uint64
	groupsCount int

	// groupsCmd represents the groups command
	groupsCmd = &cobra.Command{
		Use:   "groups",
		Short: "Print the dissemination group assignment.",
		Long: `The groups command prints which replicas form each dissemination group in a
given view, and which one is the group's representative. The assignment is
the one the replicas derive themselves, so the output can be used to predict
message paths when debugging a running set.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return printGroups()
		},
	}
)

func init() {
	rootCmd.AddCommand(groupsCmd)

	groupsCmd.Flags().Uint64Var(&groupsView, "view", 1, "view to compute the assignment for")
	groupsCmd.Flags().IntVar(&groupsCount, "groups", 2, "number of groups")
}

func printGroups() error {
	var hostCfg config.HostConfig
	if err := viper.Unmarshal(&hostCfg); err != nil {
		return fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if len(hostCfg.Replicas) == 0 {
		return fmt.Errorf("no replicas configured")
	}
	ids := make([]nbft.ID, 0, len(hostCfg.Replicas))
	for _, r := range hostCfg.Replicas {
		ids = append(ids, r.ID)
	}

	view := nbft.View(groupsView)
	groups := cluster.Groups(view, ids, groupsCount)
	for i, group := range groups {
		fmt.Printf("group %d (representative %d):", i, cluster.Representative(view, group, i))
		for _, id := range group {
			fmt.Printf(" %d", id)
		}
		fmt.Println()
	}
	return nil
}
