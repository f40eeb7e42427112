// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretSource supplies the process secret mixed into every scope key.
type SecretSource interface {
	Secret(ctx context.Context) ([]byte, error)
}

// EnvSource reads the secret from an environment variable. Values prefixed
// with "base64:" are decoded.
type EnvSource struct {
	Var string
}

func (s EnvSource) Secret(ctx context.Context) ([]byte, error) {
	raw := os.Getenv(s.Var)
	if raw == "" {
		return nil, fmt.Errorf("vault: environment variable %s is not set", s.Var)
	}
	return decodeSecret(raw)
}

// StaticSource returns a fixed secret. Intended for tests and local runs.
type StaticSource []byte

func (s StaticSource) Secret(ctx context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrSecretTooShort
	}
	return []byte(s), nil
}

// secretsManagerAPI is the part of the Secrets Manager client we use.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSource reads the secret from AWS Secrets Manager. The secret string is
// either the raw secret, "base64:<data>", or a JSON object holding it under
// Field.
type AWSSource struct {
	client   secretsManagerAPI
	secretID string
	field    string
	logger   *log.Logger
}

// AWSSourceOptions configures NewAWSSource.
type AWSSourceOptions struct {
	Region   string
	SecretID string
	// Field selects a key when the secret is a JSON object.
	Field  string
	Logger *log.Logger
}

// NewAWSSource loads the default AWS configuration and creates a client.
func NewAWSSource(ctx context.Context, opts AWSSourceOptions) (*AWSSource, error) {
	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newAWSSource(secretsmanager.NewFromConfig(cfg), opts), nil
}

func newAWSSource(client secretsManagerAPI, opts AWSSourceOptions) *AWSSource {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[VAULT_SECRETS] ", log.LstdFlags)
	}
	return &AWSSource{client: client, secretID: opts.SecretID, field: opts.Field, logger: logger}
}

func (s *AWSSource) Secret(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(s.secretID), err)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		s.logger.Printf("Loaded binary vault secret from %s", maskARN(s.secretID))
		return out.SecretBinary, nil
	default:
		return nil, fmt.Errorf("secret %s is empty", maskARN(s.secretID))
	}

	if s.field != "" {
		var fields map[string]string
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("secret %s is not a JSON object: %w", maskARN(s.secretID), err)
		}
		v, ok := fields[s.field]
		if !ok {
			return nil, fmt.Errorf("secret %s has no field %q", maskARN(s.secretID), s.field)
		}
		raw = v
	}

	s.logger.Printf("Loaded vault secret from %s", maskARN(s.secretID))
	return decodeSecret(raw)
}

func decodeSecret(raw string) ([]byte, error) {
	if enc, ok := strings.CutPrefix(raw, "base64:"); ok {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("vault: decode base64 secret: %w", err)
		}
		return b, nil
	}
	return []byte(raw), nil
}

// maskARN hides most of an ARN for logging.
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}

// Open builds a Vault from a secret source and salt.
func Open(ctx context.Context, src SecretSource, salt []byte) (*Vault, error) {
	secret, err := src.Secret(ctx)
	if err != nil {
		return nil, err
	}
	return New(secret, salt)
}
