package store

import (
	"context"

	"calsync/internal/model"
)

// IcalComponentStore keeps the raw markup of an event, keyed by event id.
type IcalComponentStore struct {
	db *DB
}

func (s *IcalComponentStore) table() table[model.IcalComponent] {
	return table[model.IcalComponent]{
		db:   s.db,
		name: StoreIcalComponents,
		key:  func(c model.IcalComponent) string { return c.EventID },
	}
}

func (s *IcalComponentStore) Persist(ctx context.Context, tx *Tx, c model.IcalComponent) error {
	return s.table().persist(ctx, tx, c)
}

func (s *IcalComponentStore) Remove(ctx context.Context, tx *Tx, eventID string) error {
	return s.table().remove(ctx, tx, eventID)
}

func (s *IcalComponentStore) Get(ctx context.Context, eventID string) (model.IcalComponent, error) {
	return s.table().get(ctx, nil, eventID)
}
