package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/banquet/internal/db/gorm"
	"github.com/thebtf/banquet/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load bookings and event items from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := seed.Load(args[0])
		if err != nil {
			return err
		}

		store, err := openStore(loadConfig())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		bookings, items, err := f.Apply(cmd.Context(), gorm.NewEventItemStore(store))
		if err != nil {
			return err
		}
		log.Info().Int("bookings", bookings).Int("items", items).Str("file", args[0]).Msg("Seed applied")
		return nil
	},
}
