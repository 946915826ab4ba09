package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/reelvault/internal/httpapi"
	"github.com/thebluefowl/reelvault/internal/identity"
	"github.com/thebluefowl/reelvault/internal/models"
)

var (
	accountEmail string
	accountRole  string
	tokenTTL     time.Duration
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the accounts known to the vault",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <account-id>",
	Short: "Register or update an account",
	Long: `Registers the account id issued by the identity service. Owners need an
email address: their ciphertext MAC key is derived from it.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountAdd,
}

var tokenCmd = &cobra.Command{
	Use:   "token <account-id>",
	Short: "Issue a bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	accountAddCmd.Flags().StringVar(&accountEmail, "email", "", "account email (required)")
	accountAddCmd.Flags().StringVar(&accountRole, "role", identity.RoleUser, "admin or user")
	_ = accountAddCmd.MarkFlagRequired("email")
	accountCmd.AddCommand(accountAddCmd)

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	role := strings.ToLower(accountRole)
	if role != identity.RoleAdmin && role != identity.RoleUser {
		return fmt.Errorf("role must be %q or %q", identity.RoleAdmin, identity.RoleUser)
	}
	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	defer a.close()
	st, err := a.openStore()
	if err != nil {
		return err
	}
	acct := &models.Account{ID: args[0], Email: strings.TrimSpace(accountEmail), Role: role}
	if err := st.PutAccount(cmd.Context(), acct); err != nil {
		return err
	}
	color.Green("✓ Account %s saved (%s)", acct.ID, acct.Role)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if a.cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	defer a.close()
	p, err := principalFor(a, cmd, args[0])
	if err != nil {
		return err
	}
	tok, err := httpapi.IssueToken(a.cfg.JWTSecret, p.UserID, p.Role, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(boxStyle.Render(fmt.Sprintf("%s (%s), valid %s\n\n%s", p.UserID, p.Role, tokenTTL, tok)))
	return nil
}
