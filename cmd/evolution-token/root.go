package main

import (
	"context"

	"github.com/evolution-openai/evolution-bridge/internal/config"
	"github.com/evolution-openai/evolution-bridge/internal/issuer"
	"github.com/evolution-openai/evolution-bridge/internal/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// session is what a command needs to obtain and describe a token.
type session struct {
	Manager     *token.Manager
	TokenURL    string
	Fingerprint string
}

type sessionLoader func(ctx context.Context) (session, error)

func newRootCommand(load sessionLoader) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "evolution-token",
		Short: "Obtain Evolution API bearer tokens",
		Long: `evolution-token exchanges the configured access key for a bearer token.
Configuration is read from the environment (EVOLUTION_KEY_ID, EVOLUTION_SECRET
or EVOLUTION_SECRET_KMS_CIPHERTEXT, EVOLUTION_TOKEN_URL).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if verbose {
				log.Logger = log.Logger.Level(zerolog.DebugLevel)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log issuance details to stderr")

	root.AddCommand(
		newPrintCommand(load),
		newInfoCommand(load),
	)

	return root
}

func loadSession(ctx context.Context) (session, error) {
	cfg, err := config.LoadIssuance(ctx)
	if err != nil {
		return session{}, err
	}

	cred, err := cfg.Credential.Resolve(ctx)
	if err != nil {
		return session{}, err
	}

	iss := issuer.NewInstrumented(
		issuer.New(cfg.Identity.TokenURL,
			issuer.WithFallbackLifetime(cfg.Token.FallbackLifetime()),
		),
	)

	manager := token.NewManager(cred, iss,
		token.WithSafetyMargin(cfg.Token.SafetyMargin()),
		token.WithIssueTimeout(cfg.Identity.TokenTimeout()),
	)

	return session{
		Manager:     manager,
		TokenURL:    cfg.Identity.TokenURL,
		Fingerprint: cred.Fingerprint(),
	}, nil
}
