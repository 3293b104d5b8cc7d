// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog maintains the in-memory model index. The index is built by
// fanning out discovery calls across every configured region and is refreshed
// lazily behind a TTL; readers always see a complete snapshot.
package catalog

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	brctypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/config"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

// Source tells where a catalog entry came from.
type Source string

const (
	SourceFoundation  Source = "foundation"
	SourceProfile     Source = "inference-profile"
	SourceProvisioned Source = "provisioned"
	SourceExtra       Source = "extra"
)

// Descriptor is one catalog entry. Modalities are stored uppercased.
type Descriptor struct {
	ID               string
	Provider         string
	Region           string
	InputModalities  []string
	OutputModalities []string
	Source           Source
	Lifecycle        string
}

// HasInputModality reports whether m (any case) is accepted as input.
func (d *Descriptor) HasInputModality(m string) bool {
	return containsFold(d.InputModalities, m)
}

// HasOutputModality reports whether m (any case) is produced as output.
func (d *Descriptor) HasOutputModality(m string) bool {
	return containsFold(d.OutputModalities, m)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// API is the subset of the Bedrock control plane the catalog calls.
type API interface {
	ListFoundationModels(ctx context.Context, in *bedrock.ListFoundationModelsInput, opts ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
	ListProvisionedModelThroughputs(ctx context.Context, in *bedrock.ListProvisionedModelThroughputsInput, opts ...func(*bedrock.Options)) (*bedrock.ListProvisionedModelThroughputsOutput, error)
	ListInferenceProfiles(ctx context.Context, in *bedrock.ListInferenceProfilesInput, opts ...func(*bedrock.Options)) (*bedrock.ListInferenceProfilesOutput, error)
	GetFoundationModelAvailability(ctx context.Context, in *bedrock.GetFoundationModelAvailabilityInput, opts ...func(*bedrock.Options)) (*bedrock.GetFoundationModelAvailabilityOutput, error)
}

// deprecatedModels maps retired ids to their suggested replacement. The hint
// is appended to the not-found message.
var deprecatedModels = map[string]string{
	"anthropic.claude-v2":           "anthropic.claude-3-sonnet-20240229-v1:0",
	"anthropic.claude-v2:1":         "anthropic.claude-3-sonnet-20240229-v1:0",
	"anthropic.claude-instant-v1":   "anthropic.claude-3-haiku-20240307-v1:0",
	"amazon.titan-text-express-v1":  "amazon.nova-lite-v1:0",
	"amazon.titan-text-lite-v1":     "amazon.nova-micro-v1:0",
	"amazon.titan-image-generator-v1": "amazon.nova-canvas-v1:0",
}

type snapshot struct {
	// foundation covers foundation models, provisioned models and inference
	// profiles discovered from the provider.
	foundation map[string]Descriptor
	// extra holds the non-Bedrock services registered at startup.
	extra map[string]Descriptor
	// all is foundation merged with extra, rebuilt on every change.
	all      map[string]Descriptor
	byInput  map[string][]string
	byOutput map[string][]string
	// unavailable records the per-region exclusion reason of models that
	// were listed but failed an availability check.
	unavailable map[string]string
}

func newSnapshot() *snapshot {
	return &snapshot{
		foundation:  map[string]Descriptor{},
		extra:       map[string]Descriptor{},
		all:         map[string]Descriptor{},
		byInput:     map[string][]string{},
		byOutput:    map[string][]string{},
		unavailable: map[string]string{},
	}
}

// rebuild recomputes the unified view and the modality indexes.
func (s *snapshot) rebuild() {
	s.all = make(map[string]Descriptor, len(s.foundation)+len(s.extra))
	for id, d := range s.foundation {
		s.all[id] = d
	}
	for id, d := range s.extra {
		s.all[id] = d
	}
	s.byInput = map[string][]string{}
	s.byOutput = map[string][]string{}
	for id, d := range s.all {
		for _, m := range d.InputModalities {
			s.byInput[m] = append(s.byInput[m], id)
		}
		for _, m := range d.OutputModalities {
			s.byOutput[m] = append(s.byOutput[m], id)
		}
	}
	for _, ids := range s.byInput {
		sort.Strings(ids)
	}
	for _, ids := range s.byOutput {
		sort.Strings(ids)
	}
}

// Catalog is the process-wide model index.
type Catalog struct {
	cfg     *config.Settings
	clients func(region string) API

	mu               sync.RWMutex
	snap             *snapshot
	nextRefreshAfter time.Time

	sf singleflight.Group
}

// New builds an empty catalog. clients resolves the control-plane client for
// a region.
func New(cfg *config.Settings, clients func(region string) API) *Catalog {
	return &Catalog{cfg: cfg, clients: clients, snap: newSnapshot()}
}

// RegisterExtra adds a non-Bedrock service entry (TTS, STT, translation).
// Modality sets of an already-registered id are merged, not overwritten.
func (c *Catalog) RegisterExtra(d Descriptor) {
	d.Source = SourceExtra
	d.InputModalities = uppercase(d.InputModalities)
	d.OutputModalities = uppercase(d.OutputModalities)

	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snap.clone()
	if prev, ok := snap.extra[d.ID]; ok {
		d.InputModalities = mergeSets(prev.InputModalities, d.InputModalities)
		d.OutputModalities = mergeSets(prev.OutputModalities, d.OutputModalities)
	}
	snap.extra[d.ID] = d
	snap.rebuild()
	c.snap = snap
}

func (s *snapshot) clone() *snapshot {
	cp := newSnapshot()
	for id, d := range s.foundation {
		cp.foundation[id] = d
	}
	for id, d := range s.extra {
		cp.extra[id] = d
	}
	for id, reason := range s.unavailable {
		cp.unavailable[id] = reason
	}
	cp.rebuild()
	return cp
}

// Refresh rebuilds the foundation index when the TTL has lapsed (or force is
// set). Concurrent callers share a single in-flight refresh.
func (c *Catalog) Refresh(ctx context.Context, force bool) error {
	c.mu.RLock()
	fresh := time.Now().Before(c.nextRefreshAfter)
	c.mu.RUnlock()
	if fresh && !force {
		return nil
	}

	_, err, _ := c.sf.Do("refresh", func() (any, error) {
		c.mu.RLock()
		fresh := time.Now().Before(c.nextRefreshAfter)
		c.mu.RUnlock()
		if fresh && !force {
			return nil, nil
		}
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Catalog) refresh(ctx context.Context) error {
	type regionResult struct {
		region      string
		models      map[string]Descriptor
		unavailable map[string]string
	}

	results := make([]regionResult, len(c.cfg.BedrockRegions))
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range c.cfg.BedrockRegions {
		g.Go(func() error {
			models, unavailable, err := c.discoverRegion(gctx, region)
			if err != nil {
				return fmt.Errorf("discovering models in %s: %w", region, err)
			}
			results[i] = regionResult{region: region, models: models, unavailable: unavailable}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Earlier regions win on id collisions, matching the configured order.
	foundation := map[string]Descriptor{}
	unavailable := map[string]string{}
	for i := len(results) - 1; i >= 0; i-- {
		for id, d := range results[i].models {
			foundation[id] = d
		}
		for id, reason := range results[i].unavailable {
			unavailable[id] = reason
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !reflect.DeepEqual(foundation, c.snap.foundation) {
		snap := c.snap.clone()
		snap.foundation = foundation
		snap.unavailable = unavailable
		snap.rebuild()
		c.snap = snap
	}
	c.nextRefreshAfter = time.Now().Add(c.cfg.ModelCacheTTL)
	return nil
}

// discoverRegion fans out the three listing calls for one region and applies
// the candidate and availability rules.
func (c *Catalog) discoverRegion(ctx context.Context, region string) (map[string]Descriptor, map[string]string, error) {
	client := c.clients(region)

	var (
		fms         []brctypes.FoundationModelSummary
		provisioned map[string]struct{}
		profiles    []brctypes.InferenceProfileSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := client.ListFoundationModels(gctx, &bedrock.ListFoundationModelsInput{})
		if err != nil {
			return err
		}
		fms = out.ModelSummaries
		return nil
	})
	g.Go(func() error {
		provisioned = map[string]struct{}{}
		var next *string
		for {
			out, err := client.ListProvisionedModelThroughputs(gctx, &bedrock.ListProvisionedModelThroughputsInput{NextToken: next})
			if err != nil {
				return err
			}
			for _, pm := range out.ProvisionedModelSummaries {
				if pm.ModelArn != nil {
					provisioned[*pm.ModelArn] = struct{}{}
				}
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	g.Go(func() error {
		var next *string
		for {
			out, err := client.ListInferenceProfiles(gctx, &bedrock.ListInferenceProfilesInput{NextToken: next})
			if err != nil {
				return err
			}
			profiles = append(profiles, out.InferenceProfileSummaries...)
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Index profiles by the model ARNs they route to.
	profileByModelArn := map[string][]brctypes.InferenceProfileSummary{}
	for _, p := range profiles {
		for _, m := range p.Models {
			if m.ModelArn != nil {
				profileByModelArn[*m.ModelArn] = append(profileByModelArn[*m.ModelArn], p)
			}
		}
	}

	models := map[string]Descriptor{}
	unavailable := map[string]string{}
	for _, fm := range fms {
		if fm.ModelId == nil {
			continue
		}
		id := *fm.ModelId

		lifecycle := ""
		if fm.ModelLifecycle != nil {
			lifecycle = string(fm.ModelLifecycle.Status)
		}
		if strings.EqualFold(lifecycle, "LEGACY") && !c.cfg.IncludeLegacyModels {
			continue
		}

		onDemand := false
		viaProvisioned := false
		for _, it := range fm.InferenceTypesSupported {
			switch string(it) {
			case "ON_DEMAND", "INFERENCE_PROFILE":
				onDemand = true
			case "PROVISIONED":
				if fm.ModelArn != nil {
					_, viaProvisioned = provisioned[*fm.ModelArn]
				}
			}
		}
		if !onDemand && !viaProvisioned {
			continue
		}

		if reason := c.checkAvailability(ctx, client, id); reason != "" {
			unavailable[region+"/"+id] = reason
			continue
		}

		d := Descriptor{
			ID:               id,
			Region:           region,
			Source:           SourceFoundation,
			Lifecycle:        lifecycle,
			InputModalities:  modalityStrings(fm.InputModalities),
			OutputModalities: modalityStrings(fm.OutputModalities),
		}
		if fm.ProviderName != nil {
			d.Provider = *fm.ProviderName
		}
		if viaProvisioned && !onDemand {
			d.Source = SourceProvisioned
		}
		models[d.ID] = d

		// Cross-region inference exposes the profile id alongside (or
		// instead of) the bare model id.
		if c.cfg.CrossRegionInference && fm.ModelArn != nil {
			if p, ok := pickProfile(profileByModelArn[*fm.ModelArn], c.cfg.CrossRegionInferenceGlobal); ok {
				pd := d
				pd.ID = aws.ToString(p.InferenceProfileId)
				pd.Source = SourceProfile
				models[pd.ID] = pd
			}
		}
	}
	return models, unavailable, nil
}

// pickProfile prefers a global profile when preferGlobal is set, otherwise
// any regional one.
func pickProfile(candidates []brctypes.InferenceProfileSummary, preferGlobal bool) (brctypes.InferenceProfileSummary, bool) {
	if preferGlobal {
		for _, p := range candidates {
			if strings.HasPrefix(aws.ToString(p.InferenceProfileId), "global.") {
				return p, true
			}
		}
	}
	for _, p := range candidates {
		if !strings.HasPrefix(aws.ToString(p.InferenceProfileId), "global.") {
			return p, true
		}
	}
	if preferGlobal && len(candidates) > 0 {
		return candidates[0], true
	}
	return brctypes.InferenceProfileSummary{}, false
}

// checkAvailability returns the exclusion reason, or "" when the model is
// usable from this account and region.
func (c *Catalog) checkAvailability(ctx context.Context, client API, modelID string) string {
	out, err := client.GetFoundationModelAvailability(ctx, &bedrock.GetFoundationModelAvailabilityInput{
		ModelId: aws.String(modelID),
	})
	if err != nil {
		return "availability check failed: " + err.Error()
	}
	if s := string(out.AuthorizationStatus); s != "" && s != "AUTHORIZED" {
		return "not authorized"
	}
	if s := string(out.EntitlementAvailability); s != "" && s != "AVAILABLE" {
		return "no entitlement"
	}
	if s := string(out.RegionAvailability); s != "" && s != "AVAILABLE" {
		return "not available in region"
	}
	if out.AgreementAvailability != nil {
		switch s := string(out.AgreementAvailability.Status); s {
		case "", "AVAILABLE":
		case "PENDING":
			if !c.cfg.MarketplaceAutoSubscribe {
				return "marketplace agreement pending"
			}
		default:
			return "no marketplace agreement"
		}
	}
	return ""
}

func modalityStrings(ms []brctypes.ModelModality) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, strings.ToUpper(string(m)))
	}
	return out
}

func uppercase(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, strings.ToUpper(v))
	}
	return out
}

func mergeSets(a, b []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Get returns the descriptor for id from the current snapshot.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.snap.all[id]
	return d, ok
}

// ValidateOpts narrows what Validate accepts.
type ValidateOpts struct {
	// InputModality and OutputModality, when non-empty, require the model to
	// support them (case-insensitive).
	InputModality  string
	OutputModality string
	// BedrockOnly rejects extra-service entries.
	BedrockOnly bool
}

// Validate resolves id to a usable descriptor. An unknown id triggers one
// opportunistic refresh before failing.
func (c *Catalog) Validate(ctx context.Context, id string, opts ValidateOpts) (Descriptor, error) {
	d, ok := c.Get(id)
	if !ok {
		if err := c.Refresh(ctx, false); err == nil {
			d, ok = c.Get(id)
		}
	}
	if !ok {
		if repl, dep := deprecatedModels[id]; dep {
			return Descriptor{}, gwerrors.NewError(404, openai.ErrorTypeInvalidRequest,
				fmt.Sprintf("The model '%s' has been deprecated, use %s instead.", id, repl),
				"model", openai.ErrorCodeModelNotFound)
		}
		return Descriptor{}, gwerrors.ModelNotFound(id)
	}
	if opts.BedrockOnly && d.Source == SourceExtra {
		return Descriptor{}, gwerrors.ModelNotFound(id)
	}
	if m := opts.InputModality; m != "" && !d.HasInputModality(m) {
		return Descriptor{}, gwerrors.InvalidParam("model",
			fmt.Sprintf("The model '%s' does not accept %s input. Models that do: %s.",
				id, strings.ToLower(m), strings.Join(c.IDsByInputModality(m), ", ")))
	}
	if m := opts.OutputModality; m != "" && !d.HasOutputModality(m) {
		return Descriptor{}, gwerrors.InvalidParam("model",
			fmt.Sprintf("The model '%s' does not produce %s output. Models that do: %s.",
				id, strings.ToLower(m), strings.Join(c.IDsByOutputModality(m), ", ")))
	}
	return d, nil
}

// IDsByInputModality lists model ids accepting the given input modality.
func (c *Catalog) IDsByInputModality(m string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.byInput[strings.ToUpper(m)]
}

// IDsByOutputModality lists model ids producing the given output modality.
func (c *Catalog) IDsByOutputModality(m string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.byOutput[strings.ToUpper(m)]
}

// ListForResponse produces the OpenAI model list, sorted by id.
func (c *Catalog) ListForResponse() openai.ModelList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.snap.all))
	for id := range c.snap.all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, openai.Model{
			ID:      id,
			Object:  "model",
			Created: 1686935002,
			OwnedBy: "bedrock",
		})
	}
	return list
}

// Available returns the full descriptors, sorted by id, for the extended
// metadata endpoint.
func (c *Catalog) Available() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, 0, len(c.snap.all))
	for _, d := range c.snap.all {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UnavailableReport returns the per-region exclusion reasons from the last
// refresh, keyed "region/modelId".
func (c *Catalog) UnavailableReport() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.snap.unavailable))
	for k, v := range c.snap.unavailable {
		out[k] = v
	}
	return out
}

// Snapshot returns the current snapshot identity, for tests asserting
// pointer stability across idempotent refreshes.
func (c *Catalog) Snapshot() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}
