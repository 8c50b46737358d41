package models

import (
	"encoding/json"
	"time"
)

// RemoteRecord is the remote store's current version of a natural key.
type RemoteRecord struct {
	ID         string          `json:"id"`
	RecordType RecordType      `json:"recordType"`
	NaturalKey string          `json:"naturalKey"`
	Descriptor Descriptor      `json:"descriptor"`
	Payload    json.RawMessage `json:"payload"`
	DeviceID   string          `json:"deviceId"`
	MutationID string          `json:"mutationId"`
	// MutationVersion is the queue version of MutationID that produced this record.
	MutationVersion int `json:"mutationVersion"`
	// RecordedAt is the writing device's clock when the change was made.
	RecordedAt time.Time `json:"recordedAt"`
	WrittenAt  time.Time `json:"writtenAt"`
}

// RemoteWrite is a create request sent to the remote store.
type RemoteWrite struct {
	MutationID string          `json:"mutationId"`
	RecordType RecordType      `json:"recordType"`
	Descriptor Descriptor      `json:"descriptor"`
	Payload    json.RawMessage `json:"payload"`
	DeviceID   string          `json:"deviceId"`
	RecordedAt time.Time       `json:"recordedAt"`
	// Version increases each time the queued mutation is superseded before delivery.
	Version int `json:"version"`
	// Overwrite replaces a record written by another device instead of reporting a conflict.
	Overwrite bool `json:"overwrite"`
}

// RemoteReceipt acknowledges a successful remote write.
type RemoteReceipt struct {
	ID        string    `json:"id"`
	WrittenAt time.Time `json:"writtenAt"`
	DeviceID  string    `json:"deviceId"`
}
