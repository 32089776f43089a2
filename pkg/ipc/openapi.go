package ipc

import (
	"net/http"

	"github.com/odvcencio/chartshot/pkg/tools"
)

// openAPIDocument describes the REST surface for clients that import tools
// from an OpenAPI spec.
func (s *Server) openAPIDocument(base string) map[string]any {
	symbol := s.tools.Config().Symbol
	errorResponse := map[string]any{"description": "Error", "content": jsonContent(map[string]any{"$ref": "#/components/schemas/Error"})}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "chartshot",
			"version":     s.cfg.Version,
			"description": "Capture " + symbol + " chart screenshots with studies applied.",
		},
		"servers": []map[string]any{{"url": base}},
		"paths": map[string]any{
			"/capture-charts": map[string]any{
				"post": map[string]any{
					"operationId": "captureCharts",
					"summary":     "Capture " + symbol + " charts",
					"requestBody": map[string]any{
						"required": false,
						"content":  jsonContent(s.tools.CaptureInputSchema()),
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Captured charts", "content": jsonContent(map[string]any{"$ref": "#/components/schemas/CaptureReport"})},
						"429": errorResponse,
						"500": errorResponse,
					},
				},
			},
			"/config": map[string]any{
				"get": map[string]any{
					"operationId": "getConfig",
					"summary":     "Chart symbol, timeframes and studies",
					"responses": map[string]any{
						"200": map[string]any{"description": "Chart configuration", "content": jsonContent(map[string]any{"type": "object"})},
					},
				},
			},
			"/captures": map[string]any{
				"get": map[string]any{
					"operationId": "listCaptures",
					"summary":     "Recent capture runs",
					"parameters": []map[string]any{{
						"name": "limit", "in": "query", "schema": tools.IntRangeProperty("Maximum runs to return", 1, 200),
					}},
					"responses": map[string]any{
						"200": map[string]any{"description": "Capture runs", "content": jsonContent(map[string]any{"type": "object"})},
						"503": errorResponse,
					},
				},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"CaptureReport": tools.ReportSchema(),
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"error":   map[string]any{"type": "string"},
						"status":  map[string]any{"type": "integer"},
						"code":    map[string]any{"type": "string"},
						"message": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func jsonContent(schema any) map[string]any {
	return map[string]any{"application/json": map[string]any{"schema": schema}}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	base := s.cfg.BaseURL
	if base == "" {
		base = requestBaseURL(r)
	}
	respondJSON(w, s.openAPIDocument(base))
}
