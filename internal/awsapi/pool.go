// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package awsapi owns the process-wide AWS service clients. Clients are
// opened once at startup, keyed by (service, region), and share bounded
// connection pools with adaptive retry.
package awsapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/translate"

	"github.com/aws-samples/bedrock-access-gateway/internal/config"
)

const (
	maxRetryAttempts = 10
	maxConnsPerHost  = 50
)

// Pool holds every AWS client the gateway uses. Bedrock control-plane,
// runtime and S3 clients exist per configured region; the remaining services
// live in the primary region only.
type Pool struct {
	regions []string

	bedrock        map[string]*bedrock.Client
	runtime        map[string]*bedrockruntime.Client
	s3             map[string]*s3.Client
	polly          *polly.Client
	transcribe     *transcribe.Client
	translate      *translate.Client
	comprehend     *comprehend.Client
	ssm            *ssm.Client
	secretsManager *secretsmanager.Client

	// transports in acquisition order, closed in reverse on Shutdown.
	transports []*http.Transport
}

// New opens clients for every configured region. The shared credentials and
// profile resolution follow the default SDK chain.
func New(ctx context.Context, cfg *config.Settings) (*Pool, error) {
	p := &Pool{
		regions: cfg.BedrockRegions,
		bedrock: make(map[string]*bedrock.Client, len(cfg.BedrockRegions)),
		runtime: make(map[string]*bedrockruntime.Client, len(cfg.BedrockRegions)),
		s3:      make(map[string]*s3.Client, len(cfg.BedrockRegions)),
	}

	for _, region := range cfg.BedrockRegions {
		ac, err := p.loadConfig(ctx, region)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for %s: %w", region, err)
		}
		p.bedrock[region] = bedrock.NewFromConfig(ac)
		p.runtime[region] = bedrockruntime.NewFromConfig(ac)
		p.s3[region] = s3.NewFromConfig(ac, func(o *s3.Options) {
			o.UseAccelerate = cfg.S3Accelerate
		})
	}

	primary, err := p.loadConfig(ctx, cfg.PrimaryRegion())
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for %s: %w", cfg.PrimaryRegion(), err)
	}
	p.polly = polly.NewFromConfig(primary)
	p.transcribe = transcribe.NewFromConfig(primary)
	p.translate = translate.NewFromConfig(primary)
	p.comprehend = comprehend.NewFromConfig(primary)
	p.ssm = ssm.NewFromConfig(primary)
	p.secretsManager = secretsmanager.NewFromConfig(primary)

	return p, nil
}

func (p *Pool) loadConfig(ctx context.Context, region string) (aws.Config, error) {
	tr := &http.Transport{
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConnsPerHost: maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	ac, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Transport: tr}),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewAdaptiveMode(func(o *retry.AdaptiveModeOptions) {
				o.StandardOptions = append(o.StandardOptions, func(so *retry.StandardOptions) {
					so.MaxAttempts = maxRetryAttempts
				})
			})
		}),
	)
	if err != nil {
		return aws.Config{}, err
	}
	p.transports = append(p.transports, tr)
	return ac, nil
}

// regionOrPrimary falls back to the first configured region when the asked
// one is not pooled.
func (p *Pool) regionOrPrimary(region string) string {
	if region == "" {
		return p.regions[0]
	}
	for _, r := range p.regions {
		if r == region {
			return region
		}
	}
	return p.regions[0]
}

// Bedrock returns the control-plane client for region.
func (p *Pool) Bedrock(region string) *bedrock.Client {
	return p.bedrock[p.regionOrPrimary(region)]
}

// Runtime returns the inference client for region.
func (p *Pool) Runtime(region string) *bedrockruntime.Client {
	return p.runtime[p.regionOrPrimary(region)]
}

// S3 returns the object-store client for region.
func (p *Pool) S3(region string) *s3.Client {
	return p.s3[p.regionOrPrimary(region)]
}

// Regions returns the configured region list in order.
func (p *Pool) Regions() []string { return p.regions }

// Polly returns the speech synthesis client.
func (p *Pool) Polly() *polly.Client { return p.polly }

// Transcribe returns the speech-to-text client.
func (p *Pool) Transcribe() *transcribe.Client { return p.transcribe }

// Translate returns the text translation client.
func (p *Pool) Translate() *translate.Client { return p.translate }

// Comprehend returns the language detection client.
func (p *Pool) Comprehend() *comprehend.Client { return p.comprehend }

// SSM returns the parameter store client.
func (p *Pool) SSM() *ssm.Client { return p.ssm }

// SecretsManager returns the secrets client.
func (p *Pool) SecretsManager() *secretsmanager.Client { return p.secretsManager }

// Shutdown drains the shared transports in reverse acquisition order.
func (p *Pool) Shutdown() {
	for i := len(p.transports) - 1; i >= 0; i-- {
		p.transports[i].CloseIdleConnections()
	}
}
