package models

import "time"

// AttendanceLock blocks same-device re-submission of a class period until ExpiresAt.
type AttendanceLock struct {
	Key        string     `json:"key"`
	Descriptor Descriptor `json:"descriptor"`
	LockedAt   time.Time  `json:"lockedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// Active reports whether the lock still holds at now.
func (l AttendanceLock) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}
