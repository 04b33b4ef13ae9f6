package session

import "time"

// Attributes is the device and build snapshot reported by the SDK. Visits
// keep a frozen copy taken when they are created.
type Attributes struct {
	AppVersion    string  `json:"app_version,omitempty"`
	AppBuild      string  `json:"app_build,omitempty"`
	AppBuildDebug bool    `json:"app_build_debug,omitempty"`
	OS            string  `gorm:"column:os" json:"os,omitempty"`
	OSVersion     string  `gorm:"column:os_version" json:"os_version,omitempty"`
	Hardware      string  `json:"hardware,omitempty"`
	ScreenWidth   int     `json:"screen_width,omitempty"`
	ScreenHeight  int     `json:"screen_height,omitempty"`
	ScreenScale   float64 `json:"screen_scale,omitempty"`
	SDKPlatform   string  `gorm:"column:sdk_platform" json:"sdk_platform,omitempty"`
	SDKVersion    string  `gorm:"column:sdk_version" json:"sdk_version,omitempty"`
}

type Session struct {
	ID               uint64     `gorm:"primaryKey" json:"id"`
	AppID            uint64     `gorm:"not null;index" json:"app_id"`
	UserID           uint64     `gorm:"not null;index" json:"user_id"`
	CreateTime       time.Time  `gorm:"not null" json:"create_time"`
	LastAccessedTime time.Time  `json:"last_accessed_time"`
	LastUpgradeTime  *time.Time `json:"last_upgrade_time,omitempty"`

	Attributes `gorm:"embedded"`

	Visits  int64 `gorm:"not null;default:0" json:"visits"`
	Screens int64 `gorm:"not null;default:0" json:"screens"`
	Taps    int64 `gorm:"not null;default:0" json:"taps"`
	Seconds int64 `gorm:"not null;default:0" json:"seconds"`
}

// Visit is one contiguous stretch of activity within a session.
type Visit struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	SessionID uint64    `gorm:"not null;index:idx_visit_session_time" json:"session_id"`
	UserID    uint64    `gorm:"not null;index:idx_visit_user_time" json:"user_id"`
	StartTime time.Time `gorm:"not null;index:idx_visit_session_time;index:idx_visit_user_time" json:"start_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
	Screens   int64     `gorm:"not null;default:0" json:"screens"`
	Taps      int64     `gorm:"not null;default:0" json:"taps"`

	Attributes `gorm:"embedded"`
}

// Contains reports whether [start, end] lies within the visit.
func (v *Visit) Contains(start, end time.Time) bool {
	return !v.StartTime.After(start) && !v.EndTime.Before(end)
}

// DayCount is the number of visits started on a UTC calendar day.
type DayCount struct {
	Day    time.Time `json:"day"`
	Visits int       `json:"visits"`
}
