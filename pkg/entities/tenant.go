package entities

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is one account on the gateway. Username doubles as the credential
// directory name under the sessions dir.
type Tenant struct {
	gorm.Model
	Username string `json:"username" gorm:"uniqueIndex;type:varchar(255);not null"`
}

// Webhook is one tenant-configured delivery destination.
type Webhook struct {
	gorm.Model
	Username string `json:"username" gorm:"index;type:varchar(255);not null"`
	URL      string `json:"url" gorm:"type:varchar(2048);not null"`
	Name     string `json:"name" gorm:"type:varchar(255)"`
	Secret   string `json:"-" gorm:"type:varchar(255);not null"`
	IsActive bool   `json:"is_active" gorm:"default:true"`
}

// ExcludedNumber suppresses message.received webhook delivery for a sender.
// Number is an E.164 string.
type ExcludedNumber struct {
	gorm.Model
	Username string `json:"username" gorm:"uniqueIndex:idx_excluded_username_number;type:varchar(255);not null"`
	Number   string `json:"number" gorm:"uniqueIndex:idx_excluded_username_number;type:varchar(20);not null"`
}

// BusinessInfo is the tenant's business profile, merged best-effort from the
// upstream profile and operator edits.
type BusinessInfo struct {
	Username        string    `json:"username" gorm:"primaryKey;type:varchar(255)"`
	Name            string    `json:"name" gorm:"type:varchar(255)"`
	WorkingHours    string    `json:"working_hours" gorm:"type:varchar(255)"`
	LocationURL     string    `json:"location_url" gorm:"type:varchar(2048)"`
	ShippingDetails string    `json:"shipping_details" gorm:"type:text"`
	InstagramURL    string    `json:"instagram_url" gorm:"type:varchar(2048)"`
	WebsiteURL      string    `json:"website_url" gorm:"type:varchar(2048)"`
	MobileNumbers   string    `json:"mobile_numbers" gorm:"type:text"` // JSON array of E.164 strings
	LastUpdated     time.Time `json:"last_updated"`
}
