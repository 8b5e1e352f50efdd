package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sokohub/soko-api/internal/domain/product"
)

type productRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Sizes       []string        `json:"sizes"`
	Colors      []string        `json:"colors"`
	Image       string          `json:"image"`
	Stock       int             `json:"stock"`
}

func (req *productRequest) validate() (string, bool) {
	if req.Name == "" {
		return "name is required", false
	}
	if req.Price.IsNegative() {
		return "price must not be negative", false
	}
	if !product.Category(req.Category).Valid() {
		return "category must be one of shoes, clothes, accessories", false
	}
	if req.Stock < 0 {
		return "stock must not be negative", false
	}
	return "", true
}

type productView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Sizes       []string        `json:"sizes,omitempty"`
	Colors      []string        `json:"colors,omitempty"`
	Image       string          `json:"image,omitempty"`
	Stock       int             `json:"stock"`
}

func viewProduct(p *product.Product) productView {
	return productView{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Category:    string(p.Category),
		Sizes:       p.Sizes,
		Colors:      p.Colors,
		Image:       p.Image,
		Stock:       p.Stock,
	}
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	items, err := h.products.List(r.Context())
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	views := make([]productView, len(items))
	for i := range items {
		views[i] = viewProduct(&items[i])
	}
	respondData(w, http.StatusOK, "", views)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, "", viewProduct(p))
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := req.validate(); !ok {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	p := &product.Product{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Category:    product.Category(req.Category),
		Sizes:       req.Sizes,
		Colors:      req.Colors,
		Image:       req.Image,
		Stock:       req.Stock,
	}
	if err := h.products.Create(r.Context(), p); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, "product created", viewProduct(p))
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := req.validate(); !ok {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	p, err := h.products.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	p.Name = req.Name
	p.Description = req.Description
	p.Price = req.Price
	p.Category = product.Category(req.Category)
	p.Sizes = req.Sizes
	p.Colors = req.Colors
	p.Image = req.Image
	p.Stock = req.Stock

	if err := h.products.Update(r.Context(), p); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, "product updated", viewProduct(p))
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.products.Delete(r.Context(), r.PathValue("id")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{Success: true, Message: "product deleted"})
}
