//go:build integration

package integration

import (
	"net/http"
	"testing"
)

func TestListProducts(t *testing.T) {
	resp := doGet(t, "/api/products", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	products := decodeJSON[envelope[[]productResponse]](t, resp).Data
	if len(products) != seededCount {
		t.Fatalf("got %d products, want %d", len(products), seededCount)
	}
	for _, p := range products {
		switch p.Category {
		case "shoes", "clothes", "accessories":
		default:
			t.Errorf("product %s: unexpected category %q", p.ID, p.Category)
		}
	}
}

func TestGetProduct_NotFound(t *testing.T) {
	resp := doGet(t, "/api/products/no-such-product", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProductCRUD_AsAdmin(t *testing.T) {
	admin := login(t, adminEmail, adminPassword)

	resp := doJSON(t, http.MethodPost, "/api/products", admin, map[string]any{
		"name":     "Integration Sneaker",
		"price":    "1234.50",
		"category": "shoes",
		"stock":    3,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	created := decodeJSON[envelope[productResponse]](t, resp).Data
	resp.Body.Close()

	resp = doJSON(t, http.MethodPut, "/api/products/"+created.ID, admin, map[string]any{
		"name":     "Integration Sneaker v2",
		"price":    "1300.00",
		"category": "shoes",
		"stock":    5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, "/api/products/"+created.ID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	check := doGet(t, "/api/products/"+created.ID, "")
	defer check.Body.Close()
	if check.StatusCode != http.StatusNotFound {
		t.Fatalf("after delete: expected 404, got %d", check.StatusCode)
	}
}

func TestCreateProduct_BadCategory(t *testing.T) {
	admin := login(t, adminEmail, adminPassword)

	resp := doJSON(t, http.MethodPost, "/api/products", admin, map[string]any{
		"name":     "Mystery Item",
		"price":    "10.00",
		"category": "gadgets",
		"stock":    1,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
