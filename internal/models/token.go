package models

import (
	"time"

	"golang.org/x/oauth2"
)

// SourceToken stores API tokens for commit source providers
type SourceToken struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Provider    string    `gorm:"uniqueIndex;not null" json:"provider"` // github
	AccessToken string    `gorm:"type:text;not null" json:"access_token"`
	TokenType   string    `gorm:"default:'Bearer'" json:"token_type"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"` // zero value means no expiry
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpired returns true if the token has an expiry and it has passed
func (t *SourceToken) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// ToOAuth2Token converts to golang.org/x/oauth2.Token
func (t *SourceToken) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: t.AccessToken,
		TokenType:   t.TokenType,
		Expiry:      t.ExpiresAt,
	}
}
