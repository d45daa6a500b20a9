package db

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var ErrUnknownTeam = errors.New("no team found with net number")

// StatusCheckSchema is the append-only ledger of checker verdicts.
type StatusCheckSchema struct {
	ID        uint
	ServiceID uint `gorm:"index:idx_statuscheck_service_tick"`
	TeamID    uint
	Tick      int `gorm:"index:idx_statuscheck_service_tick"`
	Status    int
	Timestamp time.Time
}

func (StatusCheckSchema) TableName() string {
	return "statuscheck"
}

// CommitResult saves the verdict of a checker run and closes the flag's claim.
//
// The team is resolved by net number. If it is unknown and fallbackTeamID is
// nil, nothing is written and ErrUnknownTeam is returned; otherwise the result
// is attributed to fallbackTeamID. The flag update does not look at the claim
// state, so a result for an unclaimed flag still lands in the ledger.
func CommitResult(mode TxMode, serviceID uint, teamNetNo int, tick int, status int, fallbackTeamID *uint) error {
	err := transaction(mode, func(tx *gorm.DB) error {
		var team TeamSchema
		result := tx.Table("team").Where("net_number = ?", teamNetNo).Take(&team)
		teamID := team.UserID
		if result.Error != nil {
			if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return result.Error
			}
			if fallbackTeamID == nil {
				return fmt.Errorf("%w %d", ErrUnknownTeam, teamNetNo)
			}
			teamID = *fallbackTeamID
		}

		now := time.Now().UTC()
		check := StatusCheckSchema{
			ServiceID: serviceID,
			TeamID:    teamID,
			Tick:      tick,
			Status:    status,
			Timestamp: now,
		}
		if err := tx.Table("statuscheck").Create(&check).Error; err != nil {
			return err
		}

		// In validate-only mode this still checks the grants even if nothing matches
		return tx.Table("flag").
			Where("service_id = ? AND protecting_team_id = ? AND tick = ?", serviceID, teamID, tick).
			Update("placement_end", now).Error
	})
	if errors.Is(err, ErrUnknownTeam) {
		slog.Error("cannot commit result", "net_number", teamNetNo, "service_id", serviceID, "tick", tick, "error", err)
	}
	return err
}

// GetStatusChecks returns the ledger rows of a service for one tick.
func GetStatusChecks(mode TxMode, serviceID uint, tick int) ([]StatusCheckSchema, error) {
	var checks []StatusCheckSchema
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("statuscheck").Where("service_id = ? AND tick = ?", serviceID, tick).Order("id").Find(&checks).Error
	})
	if err != nil {
		return nil, err
	}
	return checks, nil
}
