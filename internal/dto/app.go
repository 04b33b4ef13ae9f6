package dto

type CreateAppRequest struct {
	Name string `json:"name"`
}

type AppResponse struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	SuperFreq  string `json:"super_freq"`
	SuperTime  string `json:"super_time"`
	AlmostFreq string `json:"almost_freq"`
	AlmostTime string `json:"almost_time"`
	CreatedAt  string `json:"created_at"`
}

type SuperConfigRequest struct {
	Freq string `json:"freq"`
	Time string `json:"time"`
}

type LabelCountsResponse struct {
	AppID  uint64           `json:"app_id"`
	Users  int64            `json:"users"`
	Counts map[string]int64 `json:"counts"`
}

type LabelEventResponse struct {
	UserID uint64 `json:"user_id"`
	Label  string `json:"label"`
	Kind   string `json:"kind"`
	Time   string `json:"time"`
}

type AppStatResponse struct {
	Hour   string           `json:"hour"`
	Counts map[string]int64 `json:"counts"`
}

type AppStatsResponse struct {
	AppID uint64            `json:"app_id"`
	Hours int               `json:"hours"`
	Stats []AppStatResponse `json:"stats"`
}

type CreateSessionRequest struct {
	AttributesRequest
}
