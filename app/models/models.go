// Package models contains DAO objects shared by actors, stores and the feed endpoint
package models

import (
	"time"
)

// FeedItem presents one unit of new activity reported by the feed endpoint
type FeedItem struct {
	EventID      int64     `json:"event_id"`
	SubjectID    int64     `json:"subject_id"`
	Body         string    `json:"body"`
	Author       string    `json:"author"`
	CreatedAt    time.Time `json:"created_at"`
	Restricted   bool      `json:"restricted"`
	SubjectTitle string    `json:"subject_title"`
	SubjectState string    `json:"subject_state"`
}

// FeedResponse is the payload of the feed endpoint
type FeedResponse struct {
	Items  []FeedItem `json:"items"`
	LastID int64      `json:"last_id"`
}

// Lease presents the advisory leadership record kept in the shared state
type Lease struct {
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired checks if lease is not valid anymore at the given time
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// MaxEventID returns the largest event id in the list, zero for empty list
func MaxEventID(items []FeedItem) int64 {
	var res int64
	for _, item := range items {
		if item.EventID > res {
			res = item.EventID
		}
	}
	return res
}
