package handler

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/calcdeck/keygate/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI 3.1 description of the HTTP API. The
// document is generated once at construction.
type OpenAPIHandler struct {
	doc *openapi3.T
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(baseURL, version string) *OpenAPIHandler {
	return &OpenAPIHandler{doc: openapi.Generate(baseURL, version)}
}

// ServeSpec returns the OpenAPI document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.doc)
}
