package dto

// Timestamps on the tracking surface are unix seconds with a fractional part.

type TapInput struct {
	Time   float64 `json:"time"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Orient string  `json:"orient,omitempty"`
}

type ScreenInput struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Name  string  `json:"name,omitempty"`
}

type ScreenSize struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// TapBatch groups taps recorded on one screen size. Orientation is derived
// from the size rather than sent per tap.
type TapBatch struct {
	Screen ScreenSize `json:"screen"`
	Taps   []TapInput `json:"taps"`
}

type TrackRequest struct {
	Taps       []TapInput    `json:"taps,omitempty"`
	TapBatches []TapBatch    `json:"tapBatches,omitempty"`
	Screens    []ScreenInput `json:"screens,omitempty"`
}

type TrackResponse struct {
	Visits  int      `json:"visits"`
	Dropped int      `json:"dropped"`
	Labels  []string `json:"labels"`
}

type IdentifyRequest struct {
	UniqueID string `json:"unique_id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
}

type AttributesRequest struct {
	AppVersion    string  `json:"app_version"`
	AppBuild      string  `json:"app_build"`
	AppBuildDebug bool    `json:"app_build_debug"`
	OS            string  `json:"os"`
	OSVersion     string  `json:"os_version"`
	Hardware      string  `json:"hardware"`
	ScreenWidth   int     `json:"screen_width"`
	ScreenHeight  int     `json:"screen_height"`
	ScreenScale   float64 `json:"screen_scale"`
	SDKPlatform   string  `json:"sdk_platform"`
	SDKVersion    string  `json:"sdk_version"`
}

type SessionResponse struct {
	ID              uint64            `json:"id"`
	AppID           uint64            `json:"app_id"`
	UserID          uint64            `json:"user_id"`
	CreatedAt       string            `json:"created_at"`
	LastUpgradeTime *string           `json:"last_upgrade_time,omitempty"`
	Attributes      AttributesRequest `json:"attributes"`
	Visits          int64             `json:"visits"`
	Screens         int64             `json:"screens"`
	Taps            int64             `json:"taps"`
	Seconds         int64             `json:"seconds"`
}

type TrackedUserResponse struct {
	ID       uint64   `json:"id"`
	AppID    uint64   `json:"app_id"`
	UniqueID string   `json:"unique_id,omitempty"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Labels   []string `json:"labels"`
}

type UserLabelsResponse struct {
	UserID uint64   `json:"user_id"`
	Labels []string `json:"labels"`
	Public []string `json:"public"`
}

type DaysActiveResponse struct {
	UserID  uint64 `json:"user_id"`
	Weekly  int    `json:"weekly"`
	Monthly int    `json:"monthly"`
}

type DayVisits struct {
	Day    string `json:"day"`
	Visits int    `json:"visits"`
}

type DailyVisitsResponse struct {
	UserID uint64      `json:"user_id"`
	Days   int         `json:"days"`
	Visits []DayVisits `json:"visits"`
}
