package app

import (
	"time"

	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/shared"
)

type App struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"not null" json:"name"`
	SuperFreq  string    `json:"super_freq"`
	SuperTime  string    `json:"super_time"`
	AlmostFreq string    `json:"almost_freq"`
	AlmostTime string    `json:"almost_time"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (a *App) Thresholds() cohort.Thresholds {
	return cohort.Thresholds{
		SuperFrequency:  a.SuperFreq,
		SuperTimeUsed:   a.SuperTime,
		AlmostFrequency: a.AlmostFreq,
		AlmostTimeUsed:  a.AlmostTime,
	}
}

// Stat is an hourly snapshot of an app's label counters.
type Stat struct {
	ID        uint64          `gorm:"primaryKey" json:"-"`
	AppID     uint64          `gorm:"not null;uniqueIndex:idx_app_stat_hour" json:"app_id"`
	Hour      time.Time       `gorm:"not null;uniqueIndex:idx_app_stat_hour" json:"hour"`
	Counts    shared.Int64Map `gorm:"type:json" json:"counts"`
	CreatedAt time.Time       `json:"created_at"`
}

func (Stat) TableName() string {
	return "app_stats"
}
