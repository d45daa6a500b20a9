package db

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckerStateSchema holds opaque data checkers keep between ticks.
// combination of ServiceID, TeamNetNo and Identifier is unique
type CheckerStateSchema struct {
	ID         uint
	ServiceID  uint   `gorm:"uniqueIndex:idx_checkerstate_key"`
	TeamNetNo  int    `gorm:"uniqueIndex:idx_checkerstate_key"`
	Identifier string `gorm:"uniqueIndex:idx_checkerstate_key"`
	Data       []byte
}

func (CheckerStateSchema) TableName() string {
	return "checkerstate"
}

// LoadState returns the stored data and whether the key exists.
func LoadState(mode TxMode, serviceID uint, teamNetNo int, identifier string) ([]byte, bool, error) {
	var state CheckerStateSchema
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("checkerstate").
			Where("service_id = ? AND team_net_no = ? AND identifier = ?", serviceID, teamNetNo, identifier).
			Take(&state).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return state.Data, true, nil
}

// StoreState inserts or overwrites the data stored under the key.
func StoreState(mode TxMode, serviceID uint, teamNetNo int, identifier string, data []byte) error {
	return transaction(mode, func(tx *gorm.DB) error {
		state := CheckerStateSchema{
			ServiceID:  serviceID,
			TeamNetNo:  teamNetNo,
			Identifier: identifier,
			Data:       data,
		}
		// the grants for the update are checked even if no conflict occurs
		return tx.Table("checkerstate").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service_id"}, {Name: "team_net_no"}, {Name: "identifier"}},
			DoUpdates: clause.AssignmentColumns([]string{"data"}),
		}).Create(&state).Error
	})
}
