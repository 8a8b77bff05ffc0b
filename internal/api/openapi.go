package api

import (
	"fmt"

	"github.com/mattjoyce/pt2/internal/protocol"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one request path per
// configured operation.
func buildOpenAPIDoc(ops protocol.Table) map[string]any {
	paths := map[string]any{}
	for _, name := range ops.Names() {
		op, _ := ops.Lookup(name)
		paths[fmt.Sprintf("/backends/{id}/requests/%s", name)] = map[string]any{
			"post": map[string]any{
				"operationId": name,
				"summary":     fmt.Sprintf("Request %s from a backend advertising %s", name, op.Capability),
				"tags":        []string{"requests"},
				"parameters": []any{
					map[string]any{"name": "id", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
					map[string]any{"name": "wait", "in": "query", "required": false, "schema": map[string]any{"type": "string"}},
				},
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"application/json": map[string]any{"schema": map[string]any{"type": "object"}},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Answered (wait)"},
					"202": map[string]any{"description": "Request issued"},
					"400": map[string]any{"description": "Invalid params"},
					"404": map[string]any{"description": "Unknown backend or operation"},
					"409": map[string]any{"description": "Backend not running"},
					"502": map[string]any{"description": "Backend reported an error"},
					"503": map[string]any{"description": "Request abandoned"},
					"504": map[string]any{"description": "No answer within wait"},
				},
				"security": []any{map[string]any{"BearerAuth": []any{}}},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "pt2 backend manager",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
