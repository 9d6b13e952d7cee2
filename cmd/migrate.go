package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bridgecore/bridged/internal/config"
	"github.com/bridgecore/bridged/internal/topology"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the topology schema to DB_PATH, creating the file if absent",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fail(err)
			}
			repo, err := topology.Open(cfg.DBPath)
			if err != nil {
				fail(err)
			}
			defer repo.Close()
			fmt.Printf("schema applied to %s\n", cfg.DBPath)
		},
	}
}
