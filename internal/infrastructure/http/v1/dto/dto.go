package dto

type PresignRequest struct {
	ContentType string `json:"contentType" validate:"required,max=255"`
	Filename    string `json:"filename" validate:"max=255"`
}

type IngestRequest struct {
	Key      string `json:"key" validate:"required,max=1024"`
	Filename string `json:"filename" validate:"max=255"`
}

type DeleteRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=1000,dive,uuid"`
}

type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// ListQuery filters GET /assets. Active defaults to true.
type ListQuery struct {
	Active *bool  `form:"active"`
	Geo    bool   `form:"geo"`
	Q      string `form:"q" validate:"max=200"`
	Limit  int    `form:"limit" validate:"omitempty,min=1,max=10000"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
