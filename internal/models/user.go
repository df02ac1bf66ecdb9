package models

import (
	"strings"
	"time"
)

type TwoFactorMethod string

const (
	TwoFactorMethodEmail TwoFactorMethod = "email"
	TwoFactorMethodSMS   TwoFactorMethod = "sms"
	TwoFactorMethodTOTP  TwoFactorMethod = "totp"
)

func (m TwoFactorMethod) Valid() bool {
	switch m {
	case TwoFactorMethodEmail, TwoFactorMethodSMS, TwoFactorMethodTOTP:
		return true
	default:
		return false
	}
}

// PendingCode is one outstanding sealed code with its own attempt budget.
// Login codes and second-factor codes each get their own columns so that
// regenerating one never clobbers the other.
type PendingCode struct {
	Ciphertext string     `json:"-" gorm:"type:text;not null;default:''"`
	ExpiresAt  *time.Time `json:"-"`
	Attempts   int        `json:"-" gorm:"not null;default:0"`
}

func (p PendingCode) IsSet() bool {
	return p.Ciphertext != ""
}

type User struct {
	BaseModel
	Email            string          `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Phone            *string         `json:"phone,omitempty" gorm:"type:varchar(32);uniqueIndex"`
	Name             string          `json:"name" gorm:"type:varchar(200);not null;default:''"`
	AvatarURL        *string         `json:"avatarURL,omitempty" gorm:"type:text"`
	IsEmailVerified  bool            `json:"isEmailVerified" gorm:"not null;default:false"`
	TwoFactorEnabled bool            `json:"twoFAEnabled" gorm:"not null;default:false"`
	TwoFactorMethod  TwoFactorMethod `json:"twoFAMethod" gorm:"type:varchar(10);not null;default:'email'"`
	TOTPSecret       string          `json:"-" gorm:"type:text;not null;default:''"`
	LoginCode        PendingCode     `json:"-" gorm:"embedded;embeddedPrefix:login_code_"`
	TwoFactorCode    PendingCode     `json:"-" gorm:"embedded;embeddedPrefix:two_factor_code_"`
	LinkedAccounts   []LinkedAccount `json:"linkedAccounts,omitempty" gorm:"foreignKey:UserID"`
	TrustedDevices   []TrustedDevice `json:"-" gorm:"foreignKey:UserID"`
}

func (u *User) TwoFactorMethodOrDefault() TwoFactorMethod {
	if u.TwoFactorMethod.Valid() {
		return u.TwoFactorMethod
	}
	return TwoFactorMethodEmail
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
