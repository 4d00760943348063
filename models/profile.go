package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"gorm.io/gorm"
)

type SubscriptionTier string

const (
	SubscriptionTierFree       SubscriptionTier = "free"
	SubscriptionTierBasic      SubscriptionTier = "basic"
	SubscriptionTierPro        SubscriptionTier = "pro"
	SubscriptionTierLoungePlus SubscriptionTier = "lounge_plus"
	SubscriptionTierEnterprise SubscriptionTier = "enterprise"
)

// AllowsPOSIntegration reports whether the tier includes the POS sync feature.
func (t SubscriptionTier) AllowsPOSIntegration() bool {
	switch SubscriptionTier(strings.ToLower(string(t))) {
	case SubscriptionTierPro, SubscriptionTierLoungePlus, SubscriptionTierEnterprise:
		return true
	default:
		return false
	}
}

type ProfileRole string

const (
	ProfileRoleOwner ProfileRole = "owner"
	ProfileRoleStaff ProfileRole = "staff"
	ProfileRoleAdmin ProfileRole = "admin"
)

// Profile is a dashboard user bound to exactly one tenant.
type Profile struct {
	ID               uint             `gorm:"primary_key" json:"id"`
	TenantId         string           `gorm:"size:64;not null;index" json:"tenant_id"`
	Username         string           `gorm:"size:100;not null;unique" json:"username"`
	LoungeName       string           `gorm:"size:255" json:"lounge_name"`
	Role             ProfileRole      `gorm:"size:20;not null;default:staff" json:"role"`
	SubscriptionTier SubscriptionTier `gorm:"size:30;not null;default:free" json:"subscription_tier"`
	IsActive         bool             `gorm:"not null" json:"is_active"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	Profile:$username
*/

const profileCacheLifespan = 10 * time.Minute

var ErrProfileNotFound = errors.New("profile not found")

// GetProfileByUsername reads the cached profile, falling back to the DB.
func GetProfileByUsername(ctx context.Context, db *gorm.DB, username string) (*Profile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrProfileNotFound
	}

	var profile Profile
	exists, err := config.GetRedisObject(ctx, "Profile:"+username, &profile)
	if err == nil && exists {
		return &profile, nil
	}

	if err := db.WithContext(ctx).Where("username = ?", username).Take(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	_ = config.SetRedisObject(ctx, "Profile:"+username, &profile, profileCacheLifespan)
	return &profile, nil
}

func (p Profile) RemoveInstanceRedis(ctx context.Context) error {
	return config.RemoveRedisKey(ctx, "Profile:"+p.Username)
}
