// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	brctypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/bedrock-access-gateway/internal/config"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

type fakeBedrock struct {
	listCalls   atomic.Int64
	models      []brctypes.FoundationModelSummary
	profiles    []brctypes.InferenceProfileSummary
	unavailable map[string]string
}

func (f *fakeBedrock) ListFoundationModels(context.Context, *bedrock.ListFoundationModelsInput, ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	f.listCalls.Add(1)
	return &bedrock.ListFoundationModelsOutput{ModelSummaries: f.models}, nil
}

func (f *fakeBedrock) ListProvisionedModelThroughputs(context.Context, *bedrock.ListProvisionedModelThroughputsInput, ...func(*bedrock.Options)) (*bedrock.ListProvisionedModelThroughputsOutput, error) {
	return &bedrock.ListProvisionedModelThroughputsOutput{}, nil
}

func (f *fakeBedrock) ListInferenceProfiles(context.Context, *bedrock.ListInferenceProfilesInput, ...func(*bedrock.Options)) (*bedrock.ListInferenceProfilesOutput, error) {
	return &bedrock.ListInferenceProfilesOutput{InferenceProfileSummaries: f.profiles}, nil
}

func (f *fakeBedrock) GetFoundationModelAvailability(_ context.Context, in *bedrock.GetFoundationModelAvailabilityInput, _ ...func(*bedrock.Options)) (*bedrock.GetFoundationModelAvailabilityOutput, error) {
	out := &bedrock.GetFoundationModelAvailabilityOutput{
		AuthorizationStatus:     "AUTHORIZED",
		EntitlementAvailability: "AVAILABLE",
		RegionAvailability:      "AVAILABLE",
	}
	if reason, ok := f.unavailable[aws.ToString(in.ModelId)]; ok {
		switch reason {
		case "auth":
			out.AuthorizationStatus = "NOT_AUTHORIZED"
		case "region":
			out.RegionAvailability = "NOT_AVAILABLE"
		}
	}
	return out, nil
}

func fm(id string, lifecycle string, in, out []brctypes.ModelModality) brctypes.FoundationModelSummary {
	return brctypes.FoundationModelSummary{
		ModelId:                 aws.String(id),
		ModelArn:                aws.String("arn:aws:bedrock:::" + id),
		ProviderName:            aws.String("Anthropic"),
		InputModalities:         in,
		OutputModalities:        out,
		InferenceTypesSupported: []brctypes.InferenceType{"ON_DEMAND"},
		ModelLifecycle:          &brctypes.FoundationModelLifecycle{Status: brctypes.FoundationModelLifecycleStatus(lifecycle)},
	}
}

func testConfig() *config.Settings {
	return &config.Settings{
		BedrockRegions: []string{"us-east-1"},
		ModelCacheTTL:  10 * time.Minute,
	}
}

func TestRefreshBuildsIndex(t *testing.T) {
	fake := &fakeBedrock{
		models: []brctypes.FoundationModelSummary{
			fm("anthropic.claude-3-sonnet", "ACTIVE", []brctypes.ModelModality{"TEXT", "IMAGE"}, []brctypes.ModelModality{"TEXT"}),
			fm("anthropic.claude-v1", "LEGACY", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"TEXT"}),
			fm("amazon.titan-embed-text-v2:0", "ACTIVE", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"EMBEDDING"}),
		},
		unavailable: map[string]string{},
	}
	c := New(testConfig(), func(string) API { return fake })
	require.NoError(t, c.Refresh(context.Background(), false))

	_, ok := c.Get("anthropic.claude-3-sonnet")
	require.True(t, ok)
	_, ok = c.Get("anthropic.claude-v1")
	require.False(t, ok, "legacy models excluded by default")

	require.Equal(t, []string{"amazon.titan-embed-text-v2:0"}, c.IDsByOutputModality("embedding"))
	require.Equal(t, []string{"amazon.titan-embed-text-v2:0", "anthropic.claude-3-sonnet"}, c.IDsByInputModality("TEXT"))

	list := c.ListForResponse()
	require.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	require.Equal(t, "amazon.titan-embed-text-v2:0", list.Data[0].ID)
}

func TestAvailabilityExclusion(t *testing.T) {
	fake := &fakeBedrock{
		models: []brctypes.FoundationModelSummary{
			fm("a.one", "ACTIVE", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"TEXT"}),
			fm("a.two", "ACTIVE", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"TEXT"}),
		},
		unavailable: map[string]string{"a.two": "auth"},
	}
	c := New(testConfig(), func(string) API { return fake })
	require.NoError(t, c.Refresh(context.Background(), false))

	_, ok := c.Get("a.one")
	require.True(t, ok)
	_, ok = c.Get("a.two")
	require.False(t, ok)
	require.Equal(t, "not authorized", c.UnavailableReport()["us-east-1/a.two"])
}

func TestCrossRegionProfiles(t *testing.T) {
	cfg := testConfig()
	cfg.CrossRegionInference = true
	cfg.CrossRegionInferenceGlobal = true
	fake := &fakeBedrock{
		models: []brctypes.FoundationModelSummary{
			fm("anthropic.claude-3-sonnet", "ACTIVE", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"TEXT"}),
		},
		profiles: []brctypes.InferenceProfileSummary{
			{
				InferenceProfileId: aws.String("us.anthropic.claude-3-sonnet"),
				Models:             []brctypes.InferenceProfileModel{{ModelArn: aws.String("arn:aws:bedrock:::anthropic.claude-3-sonnet")}},
			},
			{
				InferenceProfileId: aws.String("global.anthropic.claude-3-sonnet"),
				Models:             []brctypes.InferenceProfileModel{{ModelArn: aws.String("arn:aws:bedrock:::anthropic.claude-3-sonnet")}},
			},
		},
		unavailable: map[string]string{},
	}
	c := New(cfg, func(string) API { return fake })
	require.NoError(t, c.Refresh(context.Background(), false))

	d, ok := c.Get("global.anthropic.claude-3-sonnet")
	require.True(t, ok)
	require.Equal(t, SourceProfile, d.Source)
	_, ok = c.Get("us.anthropic.claude-3-sonnet")
	require.False(t, ok, "global profile preferred when enabled")
}

func TestSnapshotStableAcrossIdempotentRefresh(t *testing.T) {
	fake := &fakeBedrock{
		models:      []brctypes.FoundationModelSummary{fm("a.one", "ACTIVE", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"TEXT"})},
		unavailable: map[string]string{},
	}
	c := New(testConfig(), func(string) API { return fake })
	require.NoError(t, c.Refresh(context.Background(), false))
	first := c.Snapshot()

	// Within the TTL the snapshot is untouched and no calls are made.
	calls := fake.listCalls.Load()
	require.NoError(t, c.Refresh(context.Background(), false))
	require.Same(t, first, c.Snapshot())
	require.Equal(t, calls, fake.listCalls.Load())

	// A forced refresh with unchanged provider state keeps the pointer.
	require.NoError(t, c.Refresh(context.Background(), true))
	require.Same(t, first, c.Snapshot())
}

func TestExtraServiceMerge(t *testing.T) {
	c := New(testConfig(), func(string) API { return &fakeBedrock{} })
	c.RegisterExtra(Descriptor{ID: "polly.neural", InputModalities: []string{"text"}, OutputModalities: []string{"speech"}})
	c.RegisterExtra(Descriptor{ID: "polly.neural", InputModalities: []string{"ssml"}, OutputModalities: []string{"speech"}})

	d, ok := c.Get("polly.neural")
	require.True(t, ok)
	require.Equal(t, []string{"SSML", "TEXT"}, d.InputModalities)
	require.Equal(t, SourceExtra, d.Source)
}

func TestValidate(t *testing.T) {
	fake := &fakeBedrock{
		models: []brctypes.FoundationModelSummary{
			fm("a.text", "ACTIVE", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"TEXT"}),
			fm("a.embed", "ACTIVE", []brctypes.ModelModality{"TEXT"}, []brctypes.ModelModality{"EMBEDDING"}),
		},
		unavailable: map[string]string{},
	}
	c := New(testConfig(), func(string) API { return fake })

	// Unknown id triggers an opportunistic refresh that finds the model.
	d, err := c.Validate(context.Background(), "a.text", ValidateOpts{})
	require.NoError(t, err)
	require.Equal(t, "a.text", d.ID)

	_, err = c.Validate(context.Background(), "nope", ValidateOpts{})
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, 404, ge.Status)

	_, err = c.Validate(context.Background(), "anthropic.claude-v2", ValidateOpts{})
	require.ErrorAs(t, err, &ge)
	require.Contains(t, ge.Detail.Message, "use anthropic.claude-3-sonnet-20240229-v1:0 instead")

	_, err = c.Validate(context.Background(), "a.text", ValidateOpts{OutputModality: "EMBEDDING"})
	require.ErrorAs(t, err, &ge)
	require.Equal(t, 400, ge.Status)
	require.Contains(t, ge.Detail.Message, "a.embed")
}
