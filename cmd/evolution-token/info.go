package main

import (
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// tokenDiagnostics is the YAML document written by `info`. It never carries
// the token value, the key id or the secret.
type tokenDiagnostics struct {
	TokenURL         string    `yaml:"tokenUrl"`
	KeyFingerprint   string    `yaml:"keyFingerprint"`
	Valid            bool      `yaml:"valid"`
	IssuedAt         time.Time `yaml:"issuedAt,omitempty"`
	ExpiresAt        time.Time `yaml:"expiresAt,omitempty"`
	SecondsRemaining int64     `yaml:"secondsRemaining"`
	Error            string    `yaml:"error,omitempty"`
}

func newInfoCommand(load sessionLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Obtain a token and describe it as YAML",
		Long: `info performs a token exchange and reports the token lifetime. A failed
exchange is reported in the output and as a non-zero exit status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load(cmd.Context())
			if err != nil {
				return err
			}

			_, issueErr := s.Manager.GetValidToken(cmd.Context())

			info := s.Manager.TokenInfo()
			out := tokenDiagnostics{
				TokenURL:         s.TokenURL,
				KeyFingerprint:   s.Fingerprint,
				Valid:            info.IsValid,
				IssuedAt:         info.IssuedAt,
				ExpiresAt:        info.ExpiresAt,
				SecondsRemaining: info.SecondsRemaining,
			}
			if issueErr != nil {
				out.Error = issueErr.Error()
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}

			return issueErr
		},
	}
}
