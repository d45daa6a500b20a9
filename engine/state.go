package engine

import (
	"context"

	"github.com/dbaseqp/checkmaster/engine/db"
)

// checkerState keeps the state of one service and team in the database.
type checkerState struct {
	mode      db.TxMode
	serviceID uint
	teamNetNo int
}

func (s *checkerState) StoreState(ctx context.Context, identifier string, data []byte) error {
	return db.StoreState(s.mode, s.serviceID, s.teamNetNo, identifier, data)
}

func (s *checkerState) LoadState(ctx context.Context, identifier string) ([]byte, bool, error) {
	return db.LoadState(s.mode, s.serviceID, s.teamNetNo, identifier)
}
