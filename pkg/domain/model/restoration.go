package model

import (
	"time"
)

// Historical import columns
const (
	ColumnUserID              = "user_id"
	ColumnLayerID             = "layer_id"
	ColumnPushTitle           = "push_title"
	ColumnSentAt              = "sent_at"
	ColumnPushBody            = "push_body"
	ColumnAudienceDescription = "audience_description"
	ColumnDeepLink            = "deep_link"
)

// RequiredHistoricalColumns must be present in every historical upload
var RequiredHistoricalColumns = []string{ColumnUserID, ColumnLayerID, ColumnPushTitle, ColumnSentAt}

// HistoricalRow is one uploaded row keyed by column name. Line is 1-based in the source file.
type HistoricalRow struct {
	Line   int
	Values map[string]string
}

// InvalidRow reports why a row was rejected
type InvalidRow struct {
	Line   int      `json:"line"`
	Errors []string `json:"errors"`
}

// HistoricalValidation is the outcome of validating an upload
type HistoricalValidation struct {
	IsValid        bool                `json:"isValid"`
	ValidData      []*UserNotification `json:"-"`
	InvalidRows    []InvalidRow        `json:"invalidRows"`
	MissingColumns []string            `json:"missingColumns"`
}

// BulkInsertResult is the outcome of a historical import
type BulkInsertResult struct {
	InsertedCount     int      `json:"insertedCount"`
	DuplicatesSkipped int      `json:"duplicatesSkipped"`
	Errors            []string `json:"errors"`
}

// TrackResult is one historical delivery log from the push provider
type TrackResult struct {
	ID                  string    `json:"id"`
	AudienceSize        int       `json:"audience_size"`
	Status              string    `json:"status"`
	IsTest              bool      `json:"is_test"`
	CreatedAt           time.Time `json:"created_at"`
	Title               string    `json:"title"`
	Body                string    `json:"body"`
	DeepLink            string    `json:"deep_link"`
	AudienceDescription string    `json:"audience_description"`
}

// TrackResultStatusCompleted marks a finished delivery log
const TrackResultStatusCompleted = "completed"

// TrackMatch is a ranked candidate for an uploaded audience
type TrackMatch struct {
	Result            TrackResult `json:"result"`
	SizeDifference    int         `json:"sizeDifference"`
	PercentDifference float64     `json:"percentDifference"`
	MatchQuality      int         `json:"matchQuality"`
}

// Patch returns the ledger patch this match can fill in
func (m *TrackMatch) Patch() NotificationPatch {
	return NotificationPatch{
		PushTitle:           m.Result.Title,
		PushBody:            m.Result.Body,
		AudienceDescription: m.Result.AudienceDescription,
		DeepLink:            m.Result.DeepLink,
	}
}
