package handlers

import (
	"errors"
	"fmt"
	"strings"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/services"
)

// cartCommandRequest is the wire form of one cart command. Type selects the
// command; only the fields that command reads are consulted.
type cartCommandRequest struct {
	Type      string  `json:"type"`
	UpdatedAt *string `json:"updatedAt"`

	Item         *cartItemRequest    `json:"item"`
	ProductID    string              `json:"productId"`
	VariantIndex int                 `json:"variantIndex"`
	Quantity     *int                `json:"quantity"`
	Enabled      *bool               `json:"enabled"`
	Floors       *int                `json:"floors"`
	Service      *serviceItemRequest `json:"service"`
	ServiceName  string              `json:"serviceName"`
	Mode         string              `json:"mode"`
	Tab          string              `json:"tab"`
	Schedule     *scheduleRequest    `json:"schedule"`
	Percentage   *int                `json:"percentage"`
	GSTBilling   *gstBillingPayload  `json:"gstBilling"`
	Amount       *int64              `json:"amount"`
}

// cartItemRequest names a catalog variant; price and display fields come
// from the catalog, so any sent by the client are ignored.
type cartItemRequest struct {
	ProductID    string `json:"productId"`
	VariantIndex int    `json:"variantIndex"`
	Quantity     int    `json:"quantity"`
}

type serviceItemRequest struct {
	ServiceID      string `json:"serviceId"`
	VariantIndex   int    `json:"variantIndex"`
	PriceRequestID string `json:"priceRequestId"`
	Quantity       *int   `json:"quantity"`
}

type scheduleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

var errUnknownCommand = errors.New("unknown command type")

func (req cartCommandRequest) toCommand() (services.CartCommand, error) {
	switch strings.TrimSpace(req.Type) {
	case "addItem":
		if req.Item == nil {
			return nil, errors.New("item is required")
		}
		return services.AddItem{Item: domain.CartItem{
			ProductID:    strings.TrimSpace(req.Item.ProductID),
			VariantIndex: req.Item.VariantIndex,
			Quantity:     req.Item.Quantity,
		}}, nil
	case "updateQuantity":
		if req.Quantity == nil {
			return nil, errors.New("quantity is required")
		}
		return services.UpdateItemQuantity{ProductID: req.ProductID, VariantIndex: req.VariantIndex, Quantity: *req.Quantity}, nil
	case "removeItem":
		return services.RemoveItem{ProductID: req.ProductID, VariantIndex: req.VariantIndex}, nil
	case "toggleLabor":
		if req.Enabled == nil {
			return nil, errors.New("enabled is required")
		}
		return services.ToggleLabor{ProductID: req.ProductID, VariantIndex: req.VariantIndex, Enabled: *req.Enabled}, nil
	case "updateLaborFloors":
		if req.Floors == nil {
			return nil, errors.New("floors is required")
		}
		return services.UpdateLaborFloors{ProductID: req.ProductID, VariantIndex: req.VariantIndex, Floors: *req.Floors}, nil
	case "addService":
		if req.Service == nil {
			return nil, errors.New("service is required")
		}
		return services.AddService{Service: domain.ServiceItem{
			ServiceID:      strings.TrimSpace(req.Service.ServiceID),
			VariantIndex:   req.Service.VariantIndex,
			PriceRequestID: strings.TrimSpace(req.Service.PriceRequestID),
			Quantity:       req.Service.Quantity,
		}}, nil
	case "updateServiceQuantity":
		if req.Quantity == nil {
			return nil, errors.New("quantity is required")
		}
		return services.UpdateServiceQuantity{ServiceName: req.ServiceName, Quantity: *req.Quantity}, nil
	case "removeService":
		return services.RemoveService{ServiceName: req.ServiceName}, nil
	case "removeCoupon":
		return services.RemoveCoupon{}, nil
	case "selectTransport":
		return services.SelectTransport{Mode: domain.TransportMode(strings.TrimSpace(req.Mode))}, nil
	case "switchTab":
		return services.SwitchTab{Tab: domain.CartTab(strings.TrimSpace(req.Tab))}, nil
	case "setSchedule":
		if req.Schedule == nil {
			return nil, errors.New("schedule is required")
		}
		return services.SetSchedule{Date: req.Schedule.Date, Time: req.Schedule.Time}, nil
	case "setAdvancePercentage":
		return services.SetAdvancePercentage{Percentage: req.Percentage}, nil
	case "setSameAsShipping":
		if req.Enabled == nil {
			return nil, errors.New("enabled is required")
		}
		return services.SetSameAsShipping{Enabled: *req.Enabled}, nil
	case "setGstBilling":
		if req.GSTBilling == nil {
			return services.SetGSTBilling{}, nil
		}
		return services.SetGSTBilling{Billing: &domain.GSTBilling{
			GSTIN:        req.GSTBilling.GSTIN,
			BusinessName: strings.TrimSpace(req.GSTBilling.BusinessName),
			Address:      strings.TrimSpace(req.GSTBilling.Address),
			Verified:     req.GSTBilling.Verified,
		}}, nil
	case "setPcashToggle":
		if req.Amount == nil {
			return nil, errors.New("amount is required")
		}
		return services.SetPCashToggle{Amount: *req.Amount}, nil
	case "":
		return nil, errors.New("type is required")
	default:
		// Coupons and addresses go through dedicated endpoints so they are
		// validated against the coupon store and address book.
		return nil, fmt.Errorf("%w %q", errUnknownCommand, req.Type)
	}
}
