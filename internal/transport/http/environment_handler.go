// Copyright 2026 The Labmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cyberlearn/labmanager/internal/catalog"
	"github.com/cyberlearn/labmanager/internal/environment"
)

const maxRequestBody = 64 << 10

// maxDurationMinutes is the largest minute count representable as a
// time.Duration. Larger values would wrap when converted.
const maxDurationMinutes = math.MaxInt64 / int64(time.Minute)

// ProvisionRequest represents a provision request
type ProvisionRequest struct {
	EnvironmentType string  `json:"environment_type"`
	ModuleID        *string `json:"module_id,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
}

// EnvironmentTypesResponse lists the catalog.
type EnvironmentTypesResponse struct {
	EnvironmentTypes []catalog.EnvironmentType `json:"environment_types"`
}

// ActiveEnvironmentsResponse lists the caller's active environments.
type ActiveEnvironmentsResponse struct {
	Environments []*environment.Environment `json:"environments"`
}

// ListEnvironmentTypes returns the environment catalog
// @Summary List environment types
// @Tags Environments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} EnvironmentTypesResponse
// @Failure 401 {object} map[string]string
// @Router /environments [get]
func (h *Handler) ListEnvironmentTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, EnvironmentTypesResponse{
		EnvironmentTypes: h.service.Catalog().List(),
	})
}

// ProvisionEnvironment starts a new lab environment for the caller
// @Summary Provision environment
// @Tags Environments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ProvisionRequest true "Environment to provision"
// @Success 201 {object} environment.Environment
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /environments [post]
func (h *Handler) ProvisionEnvironment(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.EnvironmentType = strings.TrimSpace(req.EnvironmentType)
	if req.EnvironmentType == "" {
		respondError(w, http.StatusBadRequest, "environment_type is required")
		return
	}

	duration := h.defaultDuration
	if req.DurationMinutes != nil {
		minutes := int64(*req.DurationMinutes)
		if minutes > maxDurationMinutes || minutes < -maxDurationMinutes {
			respondError(w, http.StatusBadRequest, "duration_minutes out of range")
			return
		}
		duration = time.Duration(minutes) * time.Minute
	}

	env, err := h.service.Provision(r.Context(), environment.ProvisionRequest{
		Owner:           GetOwner(r.Context()),
		EnvironmentType: req.EnvironmentType,
		ModuleID:        req.ModuleID,
		Duration:        duration,
	})
	if err != nil {
		respondServiceError(w, r, err, "failed to provision environment")
		return
	}

	respondJSON(w, http.StatusCreated, env)
}

// ListActiveEnvironments returns the caller's active environments
// @Summary List active environments
// @Tags Environments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} ActiveEnvironmentsResponse
// @Router /environments/active [get]
func (h *Handler) ListActiveEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.service.ListActive(r.Context(), GetOwner(r.Context()))
	if err != nil {
		respondServiceError(w, r, err, "failed to list environments")
		return
	}
	if envs == nil {
		envs = []*environment.Environment{}
	}
	respondJSON(w, http.StatusOK, ActiveEnvironmentsResponse{Environments: envs})
}

// GetEnvironment returns one of the caller's environments
// @Summary Get environment
// @Tags Environments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Environment ID"
// @Success 200 {object} environment.Environment
// @Failure 404 {object} map[string]string
// @Router /environments/{id} [get]
func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := h.service.Get(r.Context(), GetOwner(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, err, "failed to get environment")
		return
	}
	respondJSON(w, http.StatusOK, env)
}

// TerminateEnvironment stops and removes one of the caller's environments
// @Summary Terminate environment
// @Tags Environments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Environment ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /environments/{id} [delete]
func (h *Handler) TerminateEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Terminate(r.Context(), GetOwner(r.Context()), id); err != nil {
		respondServiceError(w, r, err, "failed to terminate environment")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "environment terminated",
		"id":      id,
	})
}
