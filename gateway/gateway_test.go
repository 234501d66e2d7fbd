package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeTestSchema(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "product.graphql")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test schema: %v", err)
	}
	return path
}

func TestGateway_ValidateAccessibility(t *testing.T) {
	schema := `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
			internalCode: String! @inaccessible
		}

		type Query {
			product(id: ID!): Product
		}
	`

	settings := GatewayOption{
		Endpoint:    "/graphql",
		ServiceName: "test-gateway",
		Port:        8080,
		Services: []GatewayService{
			{
				Name:        "product",
				Host:        "http://product.example.com",
				SchemaFiles: []string{writeTestSchema(t, schema)},
			},
		},
	}

	gw, err := NewGateway(settings)
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}

	t.Run("query inaccessible field should fail", func(t *testing.T) {
		query := `{ product(id: "1") { id internalCode } }`
		body, _ := json.Marshal(graphQLRequest{Query: query})
		httpReq := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
		w := httptest.NewRecorder()
		gw.ServeHTTP(w, httpReq)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status OK, got %d", w.Code)
		}

		var resp map[string]any
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		errs, ok := resp["errors"].([]any)
		if !ok || len(errs) == 0 {
			t.Fatal("expected errors in response")
		}

		errMap, ok := errs[0].(map[string]any)
		if !ok {
			t.Fatal("expected error entry to be an object")
		}
		if message, _ := errMap["message"].(string); message != `Cannot query field "internalCode" on type "Product"` {
			t.Errorf("unexpected inaccessible error message: %s", message)
		}
		ext, _ := errMap["extensions"].(map[string]any)
		if code, _ := ext["code"].(string); code != "INACCESSIBLE_FIELD" {
			t.Errorf("expected error code INACCESSIBLE_FIELD, got: %s", code)
		}
	})

	t.Run("query accessible field should succeed", func(t *testing.T) {
		query := `{ product(id: "1") { id name } }`
		body, _ := json.Marshal(graphQLRequest{Query: query})
		httpReq := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
		w := httptest.NewRecorder()
		gw.ServeHTTP(w, httpReq)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status OK, got %d", w.Code)
		}

		var resp map[string]any
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if errs, ok := resp["errors"].([]any); ok {
			for _, e := range errs {
				if errMap, ok := e.(map[string]any); ok {
					if ext, ok := errMap["extensions"].(map[string]any); ok {
						if code, _ := ext["code"].(string); code == "INACCESSIBLE_FIELD" {
							t.Error("expected no INACCESSIBLE_FIELD error")
						}
					}
				}
			}
		}
	})
}
