// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

type staticAdapter struct {
	name     string
	prefixes prefixMatcher
	calls    int
}

func (s *staticAdapter) Name() string { return s.name }

func (s *staticAdapter) Matches(modelID string) bool {
	s.calls++
	return s.prefixes.match(modelID)
}

func TestRegistryResolvesInOrder(t *testing.T) {
	first := &staticAdapter{name: "first", prefixes: prefixMatcher{"amazon."}}
	second := &staticAdapter{name: "second", prefixes: prefixMatcher{"amazon.titan"}}
	r := NewRegistry(first, second)

	a, err := r.Resolve("amazon.titan-embed-text-v2:0")
	require.NoError(t, err)
	require.Equal(t, "first", a.Name())
}

func TestRegistryCachesBinding(t *testing.T) {
	a := &staticAdapter{name: "a", prefixes: prefixMatcher{"polly."}}
	r := NewRegistry(a)

	for range 3 {
		got, err := r.Resolve("polly.neural")
		require.NoError(t, err)
		require.Equal(t, "a", got.Name())
	}
	require.Equal(t, 1, a.calls)
}

func TestRegistryUnknownModel(t *testing.T) {
	r := NewRegistry(&staticAdapter{prefixes: prefixMatcher{"polly."}})

	_, err := r.Resolve("made-up-model")
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, 404, ge.Status)
	require.Equal(t, "model_not_found", *ge.Detail.Code)
}
