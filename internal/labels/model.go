package labels

import "time"

const (
	KindAdded   = "added"
	KindRemoved = "removed"
)

// ChangeEvent is the audit row written for every label a user gains or
// loses. Summing them per label reproduces the app's label counters.
type ChangeEvent struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	AppID      uint64    `gorm:"not null;index:idx_label_event_app" json:"app_id"`
	UserID     uint64    `gorm:"not null;index" json:"user_id"`
	Label      string    `gorm:"not null;index:idx_label_event_app" json:"label"`
	Kind       string    `gorm:"not null" json:"kind"`
	CreateTime time.Time `gorm:"not null" json:"create_time"`
}

func (ChangeEvent) TableName() string {
	return "label_change_events"
}
