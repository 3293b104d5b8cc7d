// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package awsapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aws-samples/bedrock-access-gateway/internal/config"
)

func TestPoolRegionResolution(t *testing.T) {
	cfg := &config.Settings{BedrockRegions: []string{"us-east-1", "eu-west-1"}}
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer p.Shutdown()

	require.NotNil(t, p.Runtime("us-east-1"))
	require.NotNil(t, p.Runtime("eu-west-1"))
	require.NotSame(t, p.Runtime("us-east-1"), p.Runtime("eu-west-1"))

	// Unpooled and empty regions fall back to the primary.
	require.Same(t, p.Runtime("us-east-1"), p.Runtime("ap-south-1"))
	require.Same(t, p.Bedrock("us-east-1"), p.Bedrock(""))
	require.Same(t, p.S3("us-east-1"), p.S3("unknown"))

	require.NotNil(t, p.Polly())
	require.NotNil(t, p.Transcribe())
	require.NotNil(t, p.Translate())
	require.NotNil(t, p.Comprehend())
	require.NotNil(t, p.SSM())
	require.NotNil(t, p.SecretsManager())
	require.Equal(t, []string{"us-east-1", "eu-west-1"}, p.Regions())
}
