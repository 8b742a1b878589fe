package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"example.com/eventchain/indexer/internal/database"
	"example.com/eventchain/indexer/internal/models"
	"example.com/eventchain/indexer/internal/repositories"
)

var forceCheckpoint bool

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or move the stream checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeDB, err := openCheckpoints()
		if err != nil {
			return err
		}
		defer closeDB()

		cp, err := repo.Load(cmd.Context(), streamName)
		if errors.Is(err, repositories.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: no checkpoint, indexing starts at the configured start block\n", streamName)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: block %d (updated %s)\n", cp.Stream, cp.OrderKey, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var checkpointSetCmd = &cobra.Command{
	Use:   "set <block>",
	Short: "Move the checkpoint to a block",
	Long: `Move the checkpoint to a block. Without --force the checkpoint can only
move forward; --force rewinds it, and the indexer replays from there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		block, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid block number")
		}

		repo, closeDB, err := openCheckpoints()
		if err != nil {
			return err
		}
		defer closeDB()

		ctx := cmd.Context()
		if forceCheckpoint {
			err = repo.Reset(ctx, streamName, block)
		} else {
			err = repo.Save(ctx, &models.Checkpoint{Stream: streamName, OrderKey: block})
		}
		if errors.Is(err, repositories.ErrCursorRegression) {
			return errors.Wrap(err, "use --force to rewind")
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: checkpoint set to block %d\n", streamName, block)
		return nil
	},
}

var streamName string

func init() {
	checkpointCmd.PersistentFlags().StringVar(&streamName, "stream", "", "checkpoint name (default is stream.name from the config)")
	checkpointSetCmd.Flags().BoolVar(&forceCheckpoint, "force", false, "allow moving the checkpoint backwards")
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointSetCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func openCheckpoints() (*repositories.CheckpointRepository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if streamName == "" {
		streamName = cfg.Stream.Name
	}

	db, err := database.Connect(cfg.DB, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := repositories.Ping(context.Background(), db); err != nil {
		database.Close(db)
		return nil, nil, errors.Wrap(err, "database unreachable")
	}
	return repositories.NewCheckpointRepository(db), func() { database.Close(db) }, nil
}
