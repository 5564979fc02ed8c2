package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/repositories"
)

const (
	earthRadiusKm        = 6371.0
	maxAddressNameLength = 80
	maxAddressLineLength = 200
	maxAddressCityLength = 80
)

var (
	pincodePattern = regexp.MustCompile(`^[1-9][0-9]{5}$`)
	phonePattern   = regexp.MustCompile(`^\+?[0-9]{10,13}$`)
)

var (
	// ErrAddressRepositoryMissing indicates the address repository was not configured.
	ErrAddressRepositoryMissing = errors.New("address service: repository missing")
	// ErrAddressInvalidInput indicates missing or malformed address fields.
	ErrAddressInvalidInput = errors.New("address service: invalid input")
	// ErrAddressNotFound indicates the address is not in the user's book.
	ErrAddressNotFound = errors.New("address service: not found")
	// ErrAddressUnavailable indicates the address store could not be reached.
	ErrAddressUnavailable = errors.New("address service: unavailable")
)

// DispatchCenter is the warehouse location distances are measured from.
type DispatchCenter struct {
	Latitude  float64
	Longitude float64
}

// AddressServiceDeps bundles the collaborators of the address book.
type AddressServiceDeps struct {
	Addresses repositories.AddressRepository
	// Dispatch is nil when no dispatch centre is configured; distances are
	// then left unset and transport falls back to base prices.
	Dispatch *DispatchCenter
	Logger   func(context.Context, string, map[string]any)
}

type addressService struct {
	repo     repositories.AddressRepository
	dispatch *DispatchCenter
	logger   eventLogger
}

// NewAddressService constructs an AddressService.
func NewAddressService(deps AddressServiceDeps) (AddressService, error) {
	if deps.Addresses == nil {
		return nil, ErrAddressRepositoryMissing
	}
	return &addressService{
		repo:     deps.Addresses,
		dispatch: deps.Dispatch,
		logger:   loggerOrNoop(deps.Logger),
	}, nil
}

func (s *addressService) ListAddresses(ctx context.Context, userID string) ([]Address, error) {
	uid, err := addressOwner(userID)
	if err != nil {
		return nil, err
	}
	addresses, err := s.repo.List(ctx, uid)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return addresses, nil
}

func (s *addressService) GetAddress(ctx context.Context, userID, addressID string) (Address, error) {
	uid, err := addressOwner(userID)
	if err != nil {
		return Address{}, err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return Address{}, fmt.Errorf("%w: address id is required", ErrAddressInvalidInput)
	}
	addr, err := s.repo.Get(ctx, uid, id)
	if err != nil {
		return Address{}, s.translateRepoError(err)
	}
	return addr, nil
}

// UpsertAddress sanitises and validates the address, then stores it with a
// freshly computed distance from the dispatch centre.
func (s *addressService) UpsertAddress(ctx context.Context, cmd UpsertAddressCommand) (Address, error) {
	uid, err := addressOwner(cmd.UserID)
	if err != nil {
		return Address{}, err
	}
	addr := sanitizeAddress(cmd.Address)
	if err := validateAddress(addr); err != nil {
		return Address{}, err
	}

	addr.DistanceFromCenter = nil
	if s.dispatch != nil && addr.Latitude != nil && addr.Longitude != nil {
		km := roundKm(HaversineKm(s.dispatch.Latitude, s.dispatch.Longitude, *addr.Latitude, *addr.Longitude))
		addr.DistanceFromCenter = &km
	}

	saved, err := s.repo.Upsert(ctx, uid, addr)
	if err != nil {
		return Address{}, s.translateRepoError(err)
	}
	fields := map[string]any{"userId": uid, "addressId": saved.ID, "default": saved.IsDefault}
	if saved.DistanceFromCenter != nil {
		fields["distanceKm"] = *saved.DistanceFromCenter
	}
	s.logger(ctx, "address.upserted", fields)
	return saved, nil
}

func (s *addressService) DeleteAddress(ctx context.Context, userID, addressID string) error {
	uid, err := addressOwner(userID)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return fmt.Errorf("%w: address id is required", ErrAddressInvalidInput)
	}
	if err := s.repo.Delete(ctx, uid, id); err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "address.deleted", map[string]any{"userId": uid, "addressId": id})
	return nil
}

func (s *addressService) SetDefaultAddress(ctx context.Context, userID, addressID string) (Address, error) {
	uid, err := addressOwner(userID)
	if err != nil {
		return Address{}, err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return Address{}, fmt.Errorf("%w: address id is required", ErrAddressInvalidInput)
	}
	addr, err := s.repo.SetDefault(ctx, uid, id)
	if err != nil {
		return Address{}, s.translateRepoError(err)
	}
	return addr, nil
}

func (s *addressService) translateRepoError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrAddressNotFound
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrAddressUnavailable, err)
	default:
		return err
	}
}

// HaversineKm is the great-circle distance between two coordinates in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func roundKm(km float64) float64 {
	return math.Round(km*100) / 100
}

func sanitizeAddress(addr Address) Address {
	addr.ID = strings.TrimSpace(addr.ID)
	addr.Name = textutil.CleanText(addr.Name, maxAddressNameLength)
	addr.Phone = strings.ReplaceAll(strings.TrimSpace(addr.Phone), " ", "")
	addr.AddressLine1 = textutil.CleanText(addr.AddressLine1, maxAddressLineLength)
	addr.AddressLine2 = textutil.CleanText(addr.AddressLine2, maxAddressLineLength)
	addr.City = textutil.CleanText(addr.City, maxAddressCityLength)
	addr.State = textutil.CleanText(addr.State, maxAddressCityLength)
	addr.Pincode = strings.TrimSpace(addr.Pincode)
	return addr
}

func validateAddress(addr Address) error {
	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"name", addr.Name},
		{"phone", addr.Phone},
		{"addressLine1", addr.AddressLine1},
		{"city", addr.City},
		{"state", addr.State},
		{"pincode", addr.Pincode},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrAddressInvalidInput, strings.Join(missing, ", "))
	}
	if !phonePattern.MatchString(addr.Phone) {
		return fmt.Errorf("%w: phone is malformed", ErrAddressInvalidInput)
	}
	if !pincodePattern.MatchString(addr.Pincode) {
		return fmt.Errorf("%w: pincode must be six digits", ErrAddressInvalidInput)
	}
	if (addr.Latitude == nil) != (addr.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be set together", ErrAddressInvalidInput)
	}
	if addr.Latitude != nil {
		if *addr.Latitude < -90 || *addr.Latitude > 90 || *addr.Longitude < -180 || *addr.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrAddressInvalidInput)
		}
	}
	return nil
}

func addressOwner(userID string) (string, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return "", fmt.Errorf("%w: user id is required", ErrAddressInvalidInput)
	}
	return uid, nil
}
