package handlers

import (
	"net/http"

	"github.com/DataInsightAutomation/trainingFramework/core/catalog"
)

// ResourceHandler serves the model and dataset catalogs
type ResourceHandler struct {
	catalog *catalog.Catalog
}

func NewResourceHandler(c *catalog.Catalog) *ResourceHandler {
	return &ResourceHandler{catalog: c}
}

// Models handles GET /v1/resources/models
func (h *ResourceHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"models": h.catalog.Models})
}

// Datasets handles GET /v1/resources/datasets
func (h *ResourceHandler) Datasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"datasets": h.catalog.Datasets})
}
