package db

import (
	"gorm.io/gorm"
)

// TeamSchema maps the internal team id to the net number checkers see.
type TeamSchema struct {
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	NetNumber int  `gorm:"uniqueIndex"`
	Name      string
}

func (TeamSchema) TableName() string {
	return "team"
}

func CreateTeam(team TeamSchema) (TeamSchema, error) {
	result := db.Table("team").Create(&team)
	if result.Error != nil {
		return TeamSchema{}, result.Error
	}
	return team, nil
}

func GetTeams(mode TxMode) ([]TeamSchema, error) {
	var teams []TeamSchema
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("team").Order("net_number").Find(&teams).Error
	})
	if err != nil {
		return nil, err
	}
	return teams, nil
}
