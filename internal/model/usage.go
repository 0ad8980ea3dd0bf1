package model

import "time"

// UsageLogEntry records one validation attempt against the gateway. APIKeyID
// is nil when the presented credential matched no stored key.
type UsageLogEntry struct {
	ID         string    `json:"id" db:"id"`
	APIKeyID   *string   `json:"api_key_id" db:"api_key_id"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Method     string    `json:"request_method" db:"request_method"`
	StatusCode int       `json:"status_code" db:"status_code"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	UserAgent  string    `json:"user_agent" db:"user_agent"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
