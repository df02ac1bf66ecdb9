package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/internal/services"
)

type userSummary struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	Name             string   `json:"name"`
	EmailVerified    bool     `json:"emailVerified"`
	TwoFactorEnabled bool     `json:"twoFAEnabled"`
	TwoFactorMethod  string   `json:"twoFAMethod"`
	TOTPEnrolled     bool     `json:"totpEnrolled"`
	LoginCodePending bool     `json:"loginCodePending"`
	LoginLocked      bool     `json:"loginLocked"`
	TrustedDevices   int64    `json:"trustedDevices"`
	LinkedProviders  []string `json:"linkedProviders"`
	Created          string   `json:"createdAt"`
}

func newUserSummary(user *models.User, accounts []models.LinkedAccount, devices int64, maxAttempts int) userSummary {
	providers := make([]string, 0, len(accounts))
	for _, link := range accounts {
		providers = append(providers, string(link.Provider))
	}

	return userSummary{
		ID:               user.ID.String(),
		Email:            user.Email,
		Name:             user.Name,
		EmailVerified:    user.IsEmailVerified,
		TwoFactorEnabled: user.TwoFactorEnabled,
		TwoFactorMethod:  string(user.TwoFactorMethodOrDefault()),
		TOTPEnrolled:     user.TOTPSecret != "",
		LoginCodePending: user.LoginCode.IsSet(),
		LoginLocked:      user.LoginCode.IsSet() && user.LoginCode.Attempts >= maxAttempts,
		TrustedDevices:   devices,
		LinkedProviders:  providers,
		Created:          user.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeUserSummary(w io.Writer, s userSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Email:\t%s\n", s.Email)
	fmt.Fprintf(tw, "ID:\t%s\n", s.ID)
	if s.Name != "" {
		fmt.Fprintf(tw, "Name:\t%s\n", s.Name)
	}
	fmt.Fprintf(tw, "Verified:\t%v\n", s.EmailVerified)
	if s.TwoFactorEnabled {
		fmt.Fprintf(tw, "2FA:\t%s\n", s.TwoFactorMethod)
	} else {
		fmt.Fprintf(tw, "2FA:\toff\n")
	}
	fmt.Fprintf(tw, "Login Code:\t%s\n", codeState(s))
	fmt.Fprintf(tw, "Trusted Devices:\t%d\n", s.TrustedDevices)
	if len(s.LinkedProviders) > 0 {
		fmt.Fprintf(tw, "Linked:\t%v\n", s.LinkedProviders)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", s.Created)
	tw.Flush()
}

func codeState(s userSummary) string {
	switch {
	case s.LoginLocked:
		return "locked"
	case s.LoginCodePending:
		return "pending"
	default:
		return "none"
	}
}

func writeCleanupReport(w io.Writer, r *services.CleanupReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tPURGED")
	fmt.Fprintf(tw, "trusted devices\t%d\n", r.TrustedDevices)
	fmt.Fprintf(tw, "revoked tokens\t%d\n", r.RevokedTokens)
	fmt.Fprintf(tw, "stale codes\t%d\n", r.StaleCodes)
	tw.Flush()
}
