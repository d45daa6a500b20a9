package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotConfigured        = errors.New("game control information has not been configured")
	ErrServiceNotConfigured = errors.New("service has not been configured")
)

// GameControlSchema is the single row describing the contest clock.
// CurrentTick is advanced by the external clock process, -1 before the start.
type GameControlSchema struct {
	ID           uint
	Start        time.Time
	TickDuration int // seconds
	ValidTicks   int
	CurrentTick  int
}

func (GameControlSchema) TableName() string {
	return "gamecontrol"
}

type ServiceSchema struct {
	ID   uint
	Name string
	Slug string `gorm:"uniqueIndex"`
}

func (ServiceSchema) TableName() string {
	return "service"
}

// ControlInfo is a read-only snapshot of the game control row, taken once per
// scheduling cycle.
type ControlInfo struct {
	ContestStart time.Time
	TickDuration time.Duration
	ValidTicks   int
	CurrentTick  int
}

// Running reports whether the first tick has started.
func (c ControlInfo) Running() bool {
	return c.CurrentTick >= 0
}

func GetControlInfo(mode TxMode) (ControlInfo, error) {
	var control GameControlSchema
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("gamecontrol").Take(&control).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ControlInfo{}, ErrNotConfigured
		}
		return ControlInfo{}, err
	}

	return ControlInfo{
		ContestStart: control.Start,
		TickDuration: time.Duration(control.TickDuration) * time.Second,
		ValidTicks:   control.ValidTicks,
		CurrentTick:  control.CurrentTick,
	}, nil
}

func GetCurrentTick(mode TxMode) (int, error) {
	var ticks []int
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("gamecontrol").Limit(1).Pluck("current_tick", &ticks).Error
	})
	if err != nil {
		return 0, err
	}
	if len(ticks) == 0 {
		return 0, ErrNotConfigured
	}
	return ticks[0], nil
}

// SetGameControl writes the single game control row.
func SetGameControl(mode TxMode, control GameControlSchema) error {
	control.ID = 1
	return transaction(mode, func(tx *gorm.DB) error {
		row := control
		return tx.Table("gamecontrol").Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}

// GetServiceAttributes looks up a service by its slug.
func GetServiceAttributes(mode TxMode, slug string) (ServiceSchema, error) {
	var service ServiceSchema
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("service").Where("slug = ?", slug).Take(&service).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ServiceSchema{}, ErrServiceNotConfigured
		}
		return ServiceSchema{}, err
	}
	return service, nil
}

func CreateService(service ServiceSchema) (ServiceSchema, error) {
	result := db.Table("service").Create(&service)
	if result.Error != nil {
		return ServiceSchema{}, result.Error
	}
	return service, nil
}
