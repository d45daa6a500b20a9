package db

import (
	"math/rand"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FlagSchema tracks the check task of one (service, team, tick).
// A flag is open while PlacementStart is nil and claimed once it is set;
// PlacementEnd is set when a result is committed. Neither is ever reset.
type FlagSchema struct {
	ID               uint
	ServiceID        uint `gorm:"uniqueIndex:idx_flag_service_team_tick"`
	ProtectingTeamID uint `gorm:"uniqueIndex:idx_flag_service_team_tick"`
	Tick             int  `gorm:"uniqueIndex:idx_flag_service_team_tick"`
	PlacementStart   *time.Time
	PlacementEnd     *time.Time
}

func (FlagSchema) TableName() string {
	return "flag"
}

// ClaimedTask is a flag handed out exclusively to one worker.
type ClaimedTask struct {
	FlagID    uint
	TeamID    uint
	TeamNetNo int
	Tick      int
}

func CreateFlag(flag FlagSchema) (FlagSchema, error) {
	result := db.Table("flag").Create(&flag)
	if result.Error != nil {
		return FlagSchema{}, result.Error
	}
	return flag, nil
}

func GetFlag(mode TxMode, serviceID uint, teamID uint, tick int) (FlagSchema, error) {
	var flag FlagSchema
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("flag").Where("service_id = ? AND protecting_team_id = ? AND tick = ?", serviceID, teamID, tick).Take(&flag).Error
	})
	return flag, err
}

// ClaimTasks picks up to count random open flags of the current tick for the
// service and marks them as in progress. The sample is drawn from all open
// flags so that short capacity does not favour low team numbers. The chosen
// rows are locked and re-checked before they are claimed, so concurrent
// callers may get fewer rows but never the same one.
func ClaimTasks(mode TxMode, serviceID uint, count int) ([]ClaimedTask, error) {
	claimed := []ClaimedTask{}
	if count <= 0 {
		return claimed, nil
	}

	err := transaction(mode, func(tx *gorm.DB) error {
		claimed = []ClaimedTask{}

		var open []ClaimedTask
		result := tx.Table("flag").
			Select("flag.id AS flag_id, flag.protecting_team_id AS team_id, team.net_number AS team_net_no, flag.tick AS tick").
			Joins("JOIN gamecontrol ON flag.tick = gamecontrol.current_tick").
			Joins("JOIN team ON team.user_id = flag.protecting_team_id").
			Where("flag.placement_start IS NULL AND flag.service_id = ?", serviceID).
			Scan(&open)
		if result.Error != nil {
			return result.Error
		}
		if len(open) == 0 {
			return nil
		}

		rand.Shuffle(len(open), func(i, j int) {
			open[i], open[j] = open[j], open[i]
		})
		if len(open) > count {
			open = open[:count]
		}

		ids := make([]uint, 0, len(open))
		for _, task := range open {
			ids = append(ids, task.FlagID)
		}

		// lock in id order so that overlapping samples cannot deadlock
		var locked []uint
		result = tx.Table("flag").
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ? AND placement_start IS NULL", ids).
			Order("id").
			Pluck("id", &locked)
		if result.Error != nil {
			return result.Error
		}
		if len(locked) == 0 {
			return nil
		}

		result = tx.Table("flag").Where("id IN ?", locked).Update("placement_start", time.Now().UTC())
		if result.Error != nil {
			return result.Error
		}

		isLocked := make(map[uint]bool, len(locked))
		for _, id := range locked {
			isLocked[id] = true
		}
		for _, task := range open {
			if isLocked[task.FlagID] {
				claimed = append(claimed, task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetTaskCount returns the number of flags of the current tick for the service,
// which equals the number of teams.
func GetTaskCount(mode TxMode, serviceID uint) (int64, error) {
	var count int64
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("flag").
			Joins("JOIN gamecontrol ON flag.tick = gamecontrol.current_tick").
			Where("flag.service_id = ?", serviceID).
			Count(&count).Error
	})
	return count, err
}

// GetStaleTaskCount returns the number of flags of past ticks that were claimed
// but never got a result, usually because the worker died mid-check. They are
// not handed out again.
func GetStaleTaskCount(mode TxMode, serviceID uint) (int64, error) {
	var count int64
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("flag").
			Joins("JOIN gamecontrol ON flag.tick < gamecontrol.current_tick").
			Where("flag.service_id = ? AND flag.placement_start IS NOT NULL AND flag.placement_end IS NULL", serviceID).
			Count(&count).Error
	})
	return count, err
}
