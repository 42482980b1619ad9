// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data. Enumerations such as Category
// and Status are typed strings with a fixed set of constants plus a Parse
// function, so an unknown value can never reach the repository.
package model

import (
	"fmt"
	"time"
)

// Category classifies what kind of civic issue a report describes.
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategorySafety         Category = "safety"
	CategoryEnvironment    Category = "environment"
	CategoryTransportation Category = "transportation"
	CategoryUtilities      Category = "utilities"
	CategoryOther          Category = "other"
)

// CategoryInfo is the display metadata clients render in a category picker.
type CategoryInfo struct {
	ID   Category `json:"id"`
	Name string   `json:"name"`
	Icon string   `json:"icon"`
}

var categories = []CategoryInfo{
	{ID: CategoryInfrastructure, Name: "Infrastructure", Icon: "🏗️"},
	{ID: CategorySafety, Name: "Safety", Icon: "🚨"},
	{ID: CategoryEnvironment, Name: "Environment", Icon: "🌳"},
	{ID: CategoryTransportation, Name: "Transportation", Icon: "🚌"},
	{ID: CategoryUtilities, Name: "Utilities", Icon: "💡"},
	{ID: CategoryOther, Name: "Other", Icon: "📝"},
}

// Categories returns the fixed category list in display order.
// The returned slice is a copy; callers may modify it freely.
func Categories() []CategoryInfo {
	out := make([]CategoryInfo, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory converts raw client input into a Category. Only the exact
// lowercase identifiers are accepted.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	for _, info := range categories {
		if info.ID == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", raw)
}

// Status is a report's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusResolved, StatusRejected}
}

// ParseStatus converts raw client input into a Status. Matching is exact:
// "Resolved" and " pending" are unknown statuses.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	switch s {
	case StatusPending, StatusInProgress, StatusResolved, StatusRejected:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Coordinates is a WGS84 point. A report has either both values or neither,
// which is why Report holds a pointer rather than two optional floats.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Report is a citizen-submitted description of a civic issue.
//
// ImageKey is the object store path of the uploaded photo. It is needed to
// delete the object again and is never serialised to clients; ImageURL is the
// public address they should use instead.
type Report struct {
	ID            int64        `json:"id"`
	OwnerID       int64        `json:"user_id"`
	OwnerUsername string       `json:"username,omitempty"`
	Text          string       `json:"text"`
	Coordinates   *Coordinates `json:"coordinates,omitempty"`
	ImageURL      string       `json:"image_url,omitempty"`
	ImageKey      string       `json:"-"`
	Category      Category     `json:"category"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NearbyReport is a Report annotated with its great-circle distance from the
// query point.
type NearbyReport struct {
	Report
	DistanceKm float64 `json:"distance_km"`
}

// Stats is a single-snapshot summary of the report table.
type Stats struct {
	TotalReports    int64 `json:"total_reports"`
	PendingReports  int64 `json:"pending_reports"`
	ResolvedReports int64 `json:"resolved_reports"`
	UserReports     int64 `json:"user_reports"`
}

// OrphanObject is an uploaded object whose compensating delete failed.
// The janitor retries them until the object is gone.
type OrphanObject struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}
