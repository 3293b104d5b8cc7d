// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the typed gateway settings loaded from the process
// environment. Settings are resolved once at startup and passed explicitly;
// nothing in the request path reads the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values applied when the corresponding environment variable is unset.
const (
	DefaultRoutePrefix      = "/v1"
	DefaultModelCacheTTL    = 600 * time.Second
	DefaultTTSModel         = "polly.neural"
	DefaultLogLevel         = "info"
	DefaultRegion           = "us-east-1"
	DefaultTranscribePrefix = "bedrock-access-gateway/"
)

// Settings is the full configuration surface of the gateway.
type Settings struct {
	// APIKey is the inline bearer key. Mutually exclusive with the SSM and
	// Secrets Manager sources.
	APIKey string
	// APIKeySSMParameter is the name of an SSM parameter holding the key.
	APIKeySSMParameter string
	// APIKeySecretsManagerSecret is the id of a Secrets Manager secret.
	APIKeySecretsManagerSecret string
	// APIKeySecretsManagerKey selects the JSON key within the secret.
	APIKeySecretsManagerKey string

	// S3Bucket is the primary object store for generated media.
	S3Bucket string
	// S3RegionalBuckets maps region name to the bucket used for async
	// inference staged in that region.
	S3RegionalBuckets map[string]string
	// S3Accelerate enables the accelerated endpoint for presigned downloads.
	S3Accelerate bool
	// S3KeyPrefix is prepended to every object key written by the gateway.
	S3KeyPrefix string

	// BedrockRegions is the ordered list of inference regions. The first
	// entry is the primary region for non-Bedrock services.
	BedrockRegions []string
	// CrossRegionInference enables routing through inference profiles.
	CrossRegionInference bool
	// CrossRegionInferenceGlobal prefers "global." profiles when available.
	CrossRegionInferenceGlobal bool
	// IncludeLegacyModels keeps models marked LEGACY in the catalog.
	IncludeLegacyModels bool
	// MarketplaceAutoSubscribe includes models pending marketplace agreement.
	MarketplaceAutoSubscribe bool

	// GuardrailIdentifier, GuardrailVersion and GuardrailTrace form the
	// process-wide default guardrail configuration.
	GuardrailIdentifier string
	GuardrailVersion    string
	GuardrailTrace      string

	// RoutePrefix is the path prefix of the OpenAI routes.
	RoutePrefix string
	// Timezone stamps request times; empty means UTC.
	Timezone *time.Location
	// DefaultModelParams maps model id to default inference parameters
	// merged under request-level fields.
	DefaultModelParams map[string]map[string]any
	// DefaultTTSModel is used by /audio/speech when the request omits one.
	DefaultTTSModel string
	// TokensEstimation enables the heuristic token counter for responses
	// missing usage counts.
	TokensEstimation bool
	// ModelCacheTTL bounds the model catalog snapshot age.
	ModelCacheTTL time.Duration

	LogLevel         string
	LogRequestParams bool
	LogClientIP      bool

	// StrictInputValidation rejects request bodies with unknown fields.
	StrictInputValidation bool
	// SSRFBlockPrivateNetworks denies media fetches resolving to private
	// or loopback addresses.
	SSRFBlockPrivateNetworks bool

	// EnableGzip compresses JSON responses when the client accepts it.
	EnableGzip bool
	// CORSAllowOrigins is the list of allowed CORS origins; empty disables CORS.
	CORSAllowOrigins []string
	// TrustedHosts restricts the Host header; empty allows any.
	TrustedHosts []string
	// TrustProxyHeaders reads the client ip from X-Forwarded-For.
	TrustProxyHeaders bool

	// ListenAddr is the address of the OpenAI surface, AdminAddr the address
	// of the /health and /metrics endpoints.
	ListenAddr string
	AdminAddr  string
}

// PrimaryRegion returns the first configured Bedrock region.
func (s *Settings) PrimaryRegion() string {
	return s.BedrockRegions[0]
}

// BucketForRegion resolves the async-inference bucket for region, falling
// back to the primary bucket. Empty string means no bucket is configured.
func (s *Settings) BucketForRegion(region string) string {
	if b, ok := s.S3RegionalBuckets[region]; ok && b != "" {
		return b
	}
	return s.S3Bucket
}

// Load reads settings from the environment and validates them.
func Load() (*Settings, error) {
	s := &Settings{
		APIKey:                     os.Getenv("API_KEY"),
		APIKeySSMParameter:         os.Getenv("API_KEY_SSM_PARAMETER"),
		APIKeySecretsManagerSecret: os.Getenv("API_KEY_SECRETSMANAGER_SECRET"),
		APIKeySecretsManagerKey:    envOr("API_KEY_SECRETSMANAGER_KEY", "api_key"),
		S3Bucket:                   os.Getenv("AWS_S3_BUCKET"),
		S3Accelerate:               envBool("AWS_S3_ACCELERATE"),
		S3KeyPrefix:                envOr("AWS_S3_KEY_PREFIX", DefaultTranscribePrefix),
		BedrockRegions:             envList("AWS_BEDROCK_REGIONS", []string{DefaultRegion}),
		CrossRegionInference:       envBool("AWS_BEDROCK_CROSS_REGION_INFERENCE"),
		CrossRegionInferenceGlobal: envBool("AWS_BEDROCK_CROSS_REGION_INFERENCE_GLOBAL"),
		IncludeLegacyModels:        envBool("AWS_BEDROCK_LEGACY"),
		MarketplaceAutoSubscribe:   envBool("AWS_BEDROCK_MARKETPLACE_AUTO_SUBSCRIBE"),
		GuardrailIdentifier:        os.Getenv("AWS_BEDROCK_GUARDRAIL_IDENTIFIER"),
		GuardrailVersion:           os.Getenv("AWS_BEDROCK_GUARDRAIL_VERSION"),
		GuardrailTrace:             os.Getenv("AWS_BEDROCK_GUARDRAIL_TRACE"),
		RoutePrefix:                envOr("OPENAI_ROUTES_PREFIX", DefaultRoutePrefix),
		DefaultTTSModel:            envOr("DEFAULT_TTS_MODEL", DefaultTTSModel),
		TokensEstimation:           envBool("TOKENS_ESTIMATION"),
		LogLevel:                   envOr("LOG_LEVEL", DefaultLogLevel),
		LogRequestParams:           envBool("LOG_REQUEST_PARAMS"),
		LogClientIP:                envBool("LOG_CLIENT_IP"),
		StrictInputValidation:      envBool("STRICT_INPUT_VALIDATION"),
		SSRFBlockPrivateNetworks:   envBool("SSRF_PROTECTION_BLOCK_PRIVATE_NETWORKS"),
		EnableGzip:                 envBool("ENABLE_GZIP"),
		CORSAllowOrigins:           envList("CORS_ALLOW_ORIGINS", nil),
		TrustedHosts:               envList("TRUSTED_HOSTS", nil),
		TrustProxyHeaders:          envBool("ENABLE_PROXY_HEADERS"),
		ListenAddr:                 envOr("LISTEN_ADDR", ":8000"),
		AdminAddr:                  envOr("ADMIN_ADDR", ":8001"),
	}

	ttl := DefaultModelCacheTTL
	if v := os.Getenv("MODEL_CACHE_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("invalid MODEL_CACHE_SECONDS %q", v)
		}
		ttl = time.Duration(secs) * time.Second
	}
	s.ModelCacheTTL = ttl

	s.Timezone = time.UTC
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
		}
		s.Timezone = loc
	}

	if v := os.Getenv("AWS_S3_REGIONAL_BUCKETS"); v != "" {
		if err := json.Unmarshal([]byte(v), &s.S3RegionalBuckets); err != nil {
			return nil, fmt.Errorf("invalid AWS_S3_REGIONAL_BUCKETS: %w", err)
		}
	}
	if v := os.Getenv("DEFAULT_MODEL_PARAMS"); v != "" {
		if err := json.Unmarshal([]byte(v), &s.DefaultModelParams); err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_MODEL_PARAMS: %w", err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate applies the cross-field rules that cannot be expressed per field.
func (s *Settings) Validate() error {
	sources := 0
	if s.APIKey != "" {
		sources++
	}
	if s.APIKeySSMParameter != "" {
		sources++
	}
	if s.APIKeySecretsManagerSecret != "" {
		sources++
	}
	if sources > 1 {
		return fmt.Errorf("at most one of API_KEY, API_KEY_SSM_PARAMETER and API_KEY_SECRETSMANAGER_SECRET may be set")
	}
	if len(s.BedrockRegions) == 0 {
		return fmt.Errorf("AWS_BEDROCK_REGIONS must name at least one region")
	}
	for region := range s.S3RegionalBuckets {
		if !contains(s.BedrockRegions, region) {
			return fmt.Errorf("AWS_S3_REGIONAL_BUCKETS names region %q which is not in AWS_BEDROCK_REGIONS", region)
		}
	}
	switch s.GuardrailTrace {
	case "", "disabled", "enabled", "enabled_full":
	default:
		return fmt.Errorf("AWS_BEDROCK_GUARDRAIL_TRACE must be one of disabled, enabled, enabled_full")
	}
	if (s.GuardrailIdentifier == "") != (s.GuardrailVersion == "") {
		return fmt.Errorf("AWS_BEDROCK_GUARDRAIL_IDENTIFIER and AWS_BEDROCK_GUARDRAIL_VERSION must be set together")
	}
	if !strings.HasPrefix(s.RoutePrefix, "/") {
		return fmt.Errorf("OPENAI_ROUTES_PREFIX must start with a slash")
	}
	switch s.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warning, error")
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envList(name string, fallback []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
