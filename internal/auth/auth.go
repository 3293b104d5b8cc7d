// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements bearer-token verification against a salted digest.
// The plaintext key is resolved once at startup, hashed and wiped; only the
// salt and digest survive in process memory.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/crypto/blake2b"

	"github.com/aws-samples/bedrock-access-gateway/internal/config"
)

const saltSize = 16

// SSMClient is the subset of the SSM API used to resolve the key.
type SSMClient interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretsClient is the subset of the Secrets Manager API used to resolve the key.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Store verifies presented bearer tokens. A Store with no digest accepts
// every request (authentication disabled).
type Store struct {
	salt   []byte
	digest []byte
}

// Initialize resolves the API key from the configured source, stores its
// salted digest and wipes the plaintext. It reports whether authentication
// is enabled. Both clients may be nil when the corresponding source is not
// configured.
func Initialize(ctx context.Context, cfg *config.Settings, ssmc SSMClient, smc SecretsClient) (*Store, bool, error) {
	key, err := resolveKey(ctx, cfg, ssmc, smc)
	if err != nil {
		return nil, false, err
	}
	if len(key) == 0 {
		return &Store{}, false, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, false, fmt.Errorf("generating salt: %w", err)
	}
	s := &Store{salt: salt, digest: saltedDigest(key, salt)}
	wipe(key)
	return s, true, nil
}

func resolveKey(ctx context.Context, cfg *config.Settings, ssmc SSMClient, smc SecretsClient) ([]byte, error) {
	switch {
	case cfg.APIKey != "":
		return []byte(cfg.APIKey), nil

	case cfg.APIKeySSMParameter != "":
		if ssmc == nil {
			return nil, fmt.Errorf("API_KEY_SSM_PARAMETER set but no SSM client available")
		}
		out, err := ssmc.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(cfg.APIKeySSMParameter),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("reading SSM parameter %s: %w", cfg.APIKeySSMParameter, err)
		}
		if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
			return nil, fmt.Errorf("SSM parameter %s is empty", cfg.APIKeySSMParameter)
		}
		return []byte(*out.Parameter.Value), nil

	case cfg.APIKeySecretsManagerSecret != "":
		if smc == nil {
			return nil, fmt.Errorf("API_KEY_SECRETSMANAGER_SECRET set but no Secrets Manager client available")
		}
		out, err := smc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(cfg.APIKeySecretsManagerSecret),
		})
		if err != nil {
			return nil, fmt.Errorf("reading secret %s: %w", cfg.APIKeySecretsManagerSecret, err)
		}
		if out.SecretString == nil {
			return nil, fmt.Errorf("secret %s has no string payload", cfg.APIKeySecretsManagerSecret)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
			return nil, fmt.Errorf("secret %s is not a JSON object: %w", cfg.APIKeySecretsManagerSecret, err)
		}
		key, ok := fields[cfg.APIKeySecretsManagerKey]
		if !ok || key == "" {
			return nil, fmt.Errorf("secret %s has no %q key", cfg.APIKeySecretsManagerSecret, cfg.APIKeySecretsManagerKey)
		}
		return []byte(key), nil
	}
	return nil, nil
}

// Enabled reports whether a digest is stored.
func (s *Store) Enabled() bool { return len(s.digest) > 0 }

// Verify checks a presented bearer token. It is constant-time with respect
// to the digest comparison.
func (s *Store) Verify(presented string) bool {
	if !s.Enabled() {
		return true
	}
	if presented == "" {
		return false
	}
	d := saltedDigest([]byte(presented), s.salt)
	return subtle.ConstantTimeCompare(d, s.digest) == 1
}

// VerifyRequest extracts the bearer token from the Authorization header and
// verifies it.
func (s *Store) VerifyRequest(r *http.Request) bool {
	if !s.Enabled() {
		return true
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	return s.Verify(strings.TrimSpace(h[len(prefix):]))
}

func saltedDigest(key, salt []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(key)
	h.Write(salt)
	return h.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
