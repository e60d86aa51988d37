package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/SaleFeed/internal/adapters/store"
	"github.com/dkeye/SaleFeed/internal/domain"
)

func newParticipantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants",
		Short: "Manage who may follow a game's sales",
	}
	cmd.AddCommand(
		participantCmd("add", "Allow a user to follow a game", (*store.Store).AddParticipant),
		participantCmd("remove", "Revoke a user's access to a game", (*store.Store).RemoveParticipant),
	)
	return cmd
}

type participantOp func(*store.Store, context.Context, domain.GameID, domain.UserID) error

func participantCmd(use, short string, op participantOp) *cobra.Command {
	var game, user int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if game <= 0 || user <= 0 {
				return errors.New("--game and --user must be positive")
			}
			cfg, closeLog, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := op(st, cmd.Context(), domain.GameID(game), domain.UserID(user)); err != nil {
				return err
			}
			log.Info().Str("module", "cli").Int64("game", game).Int64("user", user).Msgf("participant %s", use)
			return nil
		},
	}
	cmd.Flags().Int64Var(&game, "game", 0, "game id")
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	return cmd
}
