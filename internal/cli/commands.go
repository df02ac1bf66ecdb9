package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/hearthbudget/backend/internal/models"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newCleanupCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired trusted devices, revoked tokens and stale codes",
		Args:  cobra.NoArgs,
		RunE: rt.runE(func(cmd *cobra.Command) error {
			report, err := rt.app.Cleanup.RunOnce(cmd.Context(), time.Now())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}

			if rt.jsonOut {
				return writeJSON(rt.out, report)
			}
			writeCleanupReport(rt.out, report)
			return nil
		}),
	}
}

func newDevicesCmd(rt *runtime) *cobra.Command {
	devices := &cobra.Command{
		Use:   "devices",
		Short: "Manage trusted devices",
	}

	var email string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Forget every trusted device of a user",
		Args:  cobra.NoArgs,
		RunE: rt.runE(func(cmd *cobra.Command) error {
			user, err := rt.findUser(cmd, email)
			if err != nil {
				return err
			}

			count, err := rt.app.TwoFactor.RevokeDevices(cmd.Context(), user.ID)
			if err != nil {
				return err
			}

			if rt.jsonOut {
				return writeJSON(rt.out, map[string]interface{}{"email": user.Email, "revoked": count})
			}
			fmt.Fprintf(rt.out, "Revoked %d trusted device(s) for %s\n", count, user.Email)
			return nil
		}),
	}
	revoke.Flags().StringVar(&email, "email", "", "Email of the user")
	_ = revoke.MarkFlagRequired("email")

	devices.AddCommand(revoke)
	return devices
}

func newUserCmd(rt *runtime) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect users",
	}

	var email string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show a user's sign-in state",
		Args:  cobra.NoArgs,
		RunE: rt.runE(func(cmd *cobra.Command) error {
			user, err := rt.findUser(cmd, email)
			if err != nil {
				return err
			}

			var devices int64
			if err := rt.app.DB.WithContext(cmd.Context()).
				Model(&models.TrustedDevice{}).
				Where("user_id = ? AND expires_at > ?", user.ID, time.Now().UTC()).
				Count(&devices).Error; err != nil {
				return err
			}

			accounts, err := rt.app.SSO.GetLinkedAccounts(cmd.Context(), user.ID)
			if err != nil {
				return fmt.Errorf("loading linked accounts: %w", err)
			}

			summary := newUserSummary(user, accounts, devices, rt.app.Cfg.Codes.MaxAttempts)
			if rt.jsonOut {
				return writeJSON(rt.out, summary)
			}
			writeUserSummary(rt.out, summary)
			return nil
		}),
	}
	show.Flags().StringVar(&email, "email", "", "Email of the user")
	_ = show.MarkFlagRequired("email")

	userCmd.AddCommand(show)
	return userCmd
}

func (rt *runtime) findUser(cmd *cobra.Command, email string) (*models.User, error) {
	var user models.User
	err := rt.app.DB.WithContext(cmd.Context()).
		Where("email = ?", models.NormalizeEmail(email)).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no user with email %q", email)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &user, nil
}
