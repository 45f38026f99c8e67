package credential

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
)

// KMSClient defines the AWS API surface required to decrypt a secret.
type KMSClient interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient creates a KMS client from the default AWS configuration chain.
func NewKMSClient(ctx context.Context) (KMSClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return kms.NewFromConfig(cfg), nil
}

// FromKMS builds a credential whose secret is stored as a base64 encoded KMS
// ciphertext blob. The key used for encryption is identified by the blob
// itself, so no key ARN is required.
func FromKMS(ctx context.Context, client KMSClient, keyID, ciphertext string) (Credential, error) {
	if ciphertext == "" {
		return Credential{}, &Error{Field: "secret ciphertext", Reason: "is required"}
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return Credential{}, &Error{Field: "secret ciphertext", Reason: "is not valid base64"}
	}

	out, err := client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("decrypting secret with KMS: %w", err)
	}

	cred, err := New(keyID, string(out.Plaintext))
	if err != nil {
		return Credential{}, err
	}

	log.Info().Object("credential", cred).Msg("credential secret decrypted with KMS")

	return cred, nil
}
