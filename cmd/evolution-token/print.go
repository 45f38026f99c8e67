package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPrintCommand(load sessionLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Print a valid bearer token to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load(cmd.Context())
			if err != nil {
				return err
			}

			tok, err := s.Manager.GetValidToken(cmd.Context())
			if err != nil {
				return err
			}

			log.Debug().Object("token", tok).Msg("token issued")

			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return err
		},
	}
}
