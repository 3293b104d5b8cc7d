// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
	"github.com/aws-samples/bedrock-access-gateway/internal/catalog"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) error {
	err := s.catalog.Refresh(r.Context(), false)
	list := s.catalog.ListForResponse()
	if err != nil && len(list.Data) == 0 {
		return gwerrors.Map(err)
	}
	return s.writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	d, err := s.catalog.Validate(r.Context(), id, catalog.ValidateOpts{})
	if err != nil {
		return err
	}
	return s.writeJSON(w, r, http.StatusOK, openai.Model{
		ID:      d.ID,
		Object:  "model",
		Created: 1686935002,
		OwnedBy: "bedrock",
	})
}

// availableModel is one entry of the extended metadata endpoint.
type availableModel struct {
	ID               string   `json:"id"`
	Provider         string   `json:"provider,omitempty"`
	Region           string   `json:"region,omitempty"`
	InputModalities  []string `json:"input_modalities"`
	OutputModalities []string `json:"output_modalities"`
	Source           string   `json:"source"`
	Lifecycle        string   `json:"lifecycle,omitempty"`
}

type availableModelsResponse struct {
	Models      []availableModel  `json:"models"`
	Unavailable map[string]string `json:"unavailable,omitempty"`
}

func (s *Server) handleAvailableModels(w http.ResponseWriter, r *http.Request) error {
	err := s.catalog.Refresh(r.Context(), false)
	descriptors := s.catalog.Available()
	if err != nil && len(descriptors) == 0 {
		return gwerrors.Map(err)
	}
	resp := availableModelsResponse{
		Models:      make([]availableModel, 0, len(descriptors)),
		Unavailable: s.catalog.UnavailableReport(),
	}
	for _, d := range descriptors {
		resp.Models = append(resp.Models, availableModel{
			ID:               d.ID,
			Provider:         d.Provider,
			Region:           d.Region,
			InputModalities:  d.InputModalities,
			OutputModalities: d.OutputModalities,
			Source:           string(d.Source),
			Lifecycle:        d.Lifecycle,
		})
	}
	return s.writeJSON(w, r, http.StatusOK, resp)
}
