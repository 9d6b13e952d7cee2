package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bridgecore/bridged/internal/config"
	"github.com/bridgecore/bridged/internal/topology"
)

func bridgeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "bridge",
		Short: "Manage bridges and their linked channels",
	}
	c.AddCommand(bridgeCreateCmd())
	c.AddCommand(bridgeLinkCmd())
	c.AddCommand(bridgeUnlinkCmd())
	c.AddCommand(bridgeStatusCmd())
	c.AddCommand(bridgeSetStatusCmd())
	return c
}

func openRepo() (topology.Repository, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return topology.Open(cfg.DBPath)
}

func bridgeCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new bridge",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			repo, err := openRepo()
			if err != nil {
				fail(err)
			}
			defer repo.Close()

			id, err := repo.CreateBridge(context.Background(), args[0])
			if err != nil {
				fail(err)
			}
			fmt.Printf("created bridge %q (%s)\n", args[0], id)
		},
	}
}

func bridgeLinkCmd() *cobra.Command {
	var nativeID string
	c := &cobra.Command{
		Use:   "link <bridgeId> <platform>",
		Short: "Link a native channel into a bridge",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if nativeID == "" {
				fail(fmt.Errorf("--channel is required"))
			}
			repo, err := openRepo()
			if err != nil {
				fail(err)
			}
			defer repo.Close()

			err = repo.LinkChannelToBridge(context.Background(), topology.ChannelLink{
				BridgeID: args[0],
				Platform: args[1],
				NativeID: nativeID,
			})
			if err != nil {
				fail(err)
			}
			fmt.Printf("linked %s:%s into bridge %s\n", args[1], nativeID, args[0])
		},
	}
	c.Flags().StringVar(&nativeID, "channel", "", "native channel id on the given platform")
	return c
}

func bridgeUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <platform> <nativeId>",
		Short: "Unlink a native channel from whatever bridge it belongs to",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			repo, err := openRepo()
			if err != nil {
				fail(err)
			}
			defer repo.Close()

			if err := repo.UnlinkChannel(context.Background(), args[0], args[1]); err != nil {
				fail(err)
			}
			fmt.Printf("unlinked %s:%s\n", args[0], args[1])
		},
	}
}

func bridgeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [bridgeId]",
		Short: "Show bridge status and linked channels, or list all bridges",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			repo, err := openRepo()
			if err != nil {
				fail(err)
			}
			defer repo.Close()

			ctx := context.Background()
			if len(args) == 0 {
				bridges, err := repo.ListBridges(ctx)
				if err != nil {
					fail(err)
				}
				for _, b := range bridges {
					fmt.Printf("%s\t%s\t%s\n", b.ID, b.Name, b.Status)
				}
				return
			}

			b, err := repo.GetBridge(ctx, args[0])
			if err != nil {
				fail(err)
			}
			if b == nil {
				fail(fmt.Errorf("bridge %s not found", args[0]))
			}
			fmt.Printf("%s\t%s\t%s\n", b.ID, b.Name, b.Status)
			for _, link := range repo.GetBridgeTopology(ctx, args[0]) {
				fmt.Printf("  %s:%s\n", link.Platform, link.NativeID)
			}
		},
	}
}

func bridgeSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <bridgeId> <on|off|paused>",
		Short: "Turn a bridge on or off, or pause it",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			status := topology.Status(args[1])
			switch status {
			case topology.StatusOn, topology.StatusOff, topology.StatusPaused:
			default:
				fail(fmt.Errorf("invalid status %q (want on, off, or paused)", args[1]))
			}

			repo, err := openRepo()
			if err != nil {
				fail(err)
			}
			defer repo.Close()

			if err := repo.UpdateBridgeStatus(context.Background(), args[0], status); err != nil {
				fail(err)
			}
			fmt.Printf("bridge %s is now %s\n", args[0], status)
		},
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "bridged:", err)
	os.Exit(1)
}
