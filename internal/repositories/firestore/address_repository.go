package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/buildkart/api/internal/domain"
	pfirestore "github.com/buildkart/api/internal/platform/firestore"
	"github.com/buildkart/api/internal/repositories"
)

const (
	userCollection    = "users"
	addressCollection = "addresses"
)

// AddressRepository persists the address book under users/{uid}/addresses.
// At most one address per user carries isDefault.
type AddressRepository struct {
	provider *pfirestore.Provider
	users    *pfirestore.BaseRepository[addressDocument]
	now      func() time.Time
}

func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{
		provider: provider,
		users:    pfirestore.NewBaseRepository[addressDocument](provider, userCollection, nil, nil),
		now:      time.Now,
	}, nil
}

// List returns the user's addresses, default first, then oldest first.
func (r *AddressRepository) List(ctx context.Context, userID string) ([]domain.Address, error) {
	coll, err := r.collection(userID)
	if err != nil {
		return nil, err
	}
	docs, err := coll.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Address, 0, len(docs))
	for _, doc := range docs {
		if doc.Data.IsDefault {
			out = append([]domain.Address{doc.Data.toDomain(doc.ID)}, out...)
			continue
		}
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

func (r *AddressRepository) Get(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	coll, err := r.collection(userID)
	if err != nil {
		return domain.Address{}, err
	}
	doc, err := coll.Get(ctx, strings.TrimSpace(addressID))
	if err != nil {
		return domain.Address{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert creates the address when it has no id, otherwise replaces it. The
// first address of a user becomes the default; setting isDefault clears the
// flag elsewhere in the same transaction.
func (r *AddressRepository) Upsert(ctx context.Context, userID string, addr domain.Address) (domain.Address, error) {
	coll, err := r.collection(userID)
	if err != nil {
		return domain.Address{}, err
	}
	now := r.now().UTC()
	addr.ID = strings.TrimSpace(addr.ID)
	if addr.ID == "" {
		addr.ID = ulid.Make().String()
		addr.CreatedAt = now
	}
	addr.UpdatedAt = now

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := coll.TxQuery(ctx, tx, nil)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			addr.IsDefault = true
		}
		for _, doc := range existing {
			if doc.ID == addr.ID {
				if !doc.Data.CreatedAt.IsZero() {
					addr.CreatedAt = doc.Data.CreatedAt.UTC()
				}
				// The default moves only through SetDefault.
				if doc.Data.IsDefault {
					addr.IsDefault = true
				}
				continue
			}
			if addr.IsDefault && doc.Data.IsDefault {
				cleared := doc.Data
				cleared.IsDefault = false
				cleared.UpdatedAt = now
				if err := coll.TxSet(ctx, tx, doc.ID, cleared); err != nil {
					return err
				}
			}
		}
		if addr.CreatedAt.IsZero() {
			addr.CreatedAt = now
		}
		return coll.TxSet(ctx, tx, addr.ID, addressToDocument(addr))
	})
	if err != nil {
		return domain.Address{}, err
	}
	return addr, nil
}

func (r *AddressRepository) Delete(ctx context.Context, userID string, addressID string) error {
	coll, err := r.collection(userID)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(addressID)
	if _, err := coll.Get(ctx, id); err != nil {
		return err
	}
	return coll.Delete(ctx, id)
}

// SetDefault flags addressID as the default and clears every other address.
func (r *AddressRepository) SetDefault(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	coll, err := r.collection(userID)
	if err != nil {
		return domain.Address{}, err
	}
	id := strings.TrimSpace(addressID)
	now := r.now().UTC()

	var saved domain.Address
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := coll.TxQuery(ctx, tx, nil)
		if err != nil {
			return err
		}
		found := false
		for _, doc := range docs {
			if doc.ID == id {
				found = true
			}
		}
		if !found {
			return pfirestore.NotFound("addresses.setDefault", "address %s not found", id)
		}
		for _, doc := range docs {
			want := doc.ID == id
			if doc.Data.IsDefault == want && !want {
				continue
			}
			updated := doc.Data
			updated.IsDefault = want
			updated.UpdatedAt = now
			if err := coll.TxSet(ctx, tx, doc.ID, updated); err != nil {
				return err
			}
			if want {
				saved = updated.toDomain(doc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Address{}, err
	}
	return saved, nil
}

func (r *AddressRepository) collection(userID string) (*pfirestore.BaseRepository[addressDocument], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("address repository: user id is required")
	}
	return r.users.Sub(uid, addressCollection), nil
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)
