package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/services"
)

const maxAddressBodySize = 8 * 1024

func (h *MeHandlers) addressRoutes(r chi.Router) {
	r.Get("/", h.listAddresses)
	r.Post("/", h.createAddress)
	r.Route("/{addressID}", func(r chi.Router) {
		r.Get("/", h.getAddress)
		r.Put("/", h.updateAddress)
		r.Delete("/", h.deleteAddress)
		r.Post("/default", h.setDefaultAddress)
	})
}

func (h *MeHandlers) listAddresses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		writeAddressUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	addresses, err := h.addresses.ListAddresses(ctx, uid)
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	payload := make([]addressPayload, 0, len(addresses))
	for _, addr := range addresses {
		payload = append(payload, buildAddressPayload(addr))
	}
	writeJSONResponse(w, http.StatusOK, addressListResponse{Addresses: payload})
}

func (h *MeHandlers) getAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		writeAddressUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	addr, err := h.addresses.GetAddress(ctx, uid, chi.URLParam(r, "addressID"))
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAddressPayload(addr))
}

func (h *MeHandlers) createAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		writeAddressUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req addressRequest
	if !decodeBody(ctx, w, r, maxAddressBodySize, &req) {
		return
	}

	saved, err := h.addresses.UpsertAddress(ctx, services.UpsertAddressCommand{
		UserID:  uid,
		Address: req.toDomainAddress(""),
	})
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+saved.ID)
	writeJSONResponse(w, http.StatusCreated, buildAddressPayload(saved))
}

func (h *MeHandlers) updateAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		writeAddressUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	addressID := strings.TrimSpace(chi.URLParam(r, "addressID"))
	if addressID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "address id is required", http.StatusBadRequest))
		return
	}

	var req addressRequest
	if !decodeBody(ctx, w, r, maxAddressBodySize, &req) {
		return
	}

	// Upsert would create a missing id, so updates check existence first.
	if _, err := h.addresses.GetAddress(ctx, uid, addressID); err != nil {
		writeAddressError(ctx, w, err)
		return
	}

	saved, err := h.addresses.UpsertAddress(ctx, services.UpsertAddressCommand{
		UserID:  uid,
		Address: req.toDomainAddress(addressID),
	})
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAddressPayload(saved))
}

func (h *MeHandlers) deleteAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		writeAddressUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	if err := h.addresses.DeleteAddress(ctx, uid, chi.URLParam(r, "addressID")); err != nil {
		writeAddressError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MeHandlers) setDefaultAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		writeAddressUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	saved, err := h.addresses.SetDefaultAddress(ctx, uid, chi.URLParam(r, "addressID"))
	if err != nil {
		writeAddressError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAddressPayload(saved))
}

type addressRequest struct {
	Name         string   `json:"name"`
	Phone        string   `json:"phone"`
	AddressLine1 string   `json:"addressLine1"`
	AddressLine2 string   `json:"addressLine2"`
	City         string   `json:"city"`
	State        string   `json:"state"`
	Pincode      string   `json:"pincode"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	IsDefault    bool     `json:"isDefault"`
}

// toDomainAddress maps the request onto an address. Distance is always
// derived server side from the coordinates.
func (req addressRequest) toDomainAddress(id string) services.Address {
	return services.Address{
		ID:           id,
		Name:         req.Name,
		Phone:        req.Phone,
		AddressLine1: req.AddressLine1,
		AddressLine2: req.AddressLine2,
		City:         req.City,
		State:        req.State,
		Pincode:      req.Pincode,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		IsDefault:    req.IsDefault,
	}
}

type addressListResponse struct {
	Addresses []addressPayload `json:"addresses"`
}

type addressPayload struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Phone              string   `json:"phone"`
	AddressLine1       string   `json:"addressLine1"`
	AddressLine2       string   `json:"addressLine2,omitempty"`
	City               string   `json:"city"`
	State              string   `json:"state"`
	Pincode            string   `json:"pincode"`
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
	DistanceFromCenter *float64 `json:"distanceFromCenter,omitempty"`
	IsDefault          bool     `json:"isDefault"`
	CreatedAt          string   `json:"createdAt,omitempty"`
	UpdatedAt          string   `json:"updatedAt,omitempty"`
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		ID:                 addr.ID,
		Name:               addr.Name,
		Phone:              addr.Phone,
		AddressLine1:       addr.AddressLine1,
		AddressLine2:       addr.AddressLine2,
		City:               addr.City,
		State:              addr.State,
		Pincode:            addr.Pincode,
		Latitude:           addr.Latitude,
		Longitude:          addr.Longitude,
		DistanceFromCenter: addr.DistanceFromCenter,
		IsDefault:          addr.IsDefault,
		CreatedAt:          formatTime(addr.CreatedAt),
		UpdatedAt:          formatTime(addr.UpdatedAt),
	}
}

func writeAddressUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("address_service_unavailable", "address service is unavailable", http.StatusServiceUnavailable))
}

func writeAddressError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrAddressInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_address", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAddressNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("address_not_found", "address not found", http.StatusNotFound))
	case errors.Is(err, services.ErrAddressUnavailable):
		writeAddressUnavailable(ctx, w)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("address_error", "failed to process address", http.StatusInternalServerError))
	}
}
