package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rvald/devicegw/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage operator sessions",
	Long:  `Create, list and revoke the operator sessions the gateway accepts. A running server picks up changes on its next request.`,
}

var (
	sessionRole string
	sessionTTL  time.Duration
)

var sessionsCreateCmd = &cobra.Command{
	Use:   "create [username]",
	Short: "Create a session and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		sess, err := store.Create(args[0], sessionRole, sessionTTL)
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}

		fmt.Printf("Session created for %s (%s)\n", sess.Username, sess.Role)
		fmt.Printf("  id:    %s\n", sess.ID)
		fmt.Printf("  token: %s\n", sess.Token)
		if sess.ExpiresAtMs != 0 {
			fmt.Printf("  expires: %s\n", time.UnixMilli(sess.ExpiresAtMs).Format(time.RFC3339))
		}
		return nil
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}

		sessions := store.List()
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}

		fmt.Printf("%-36s  %-16s  %-8s  %s\n", "SESSION ID", "USER", "ROLE", "EXPIRES")
		now := time.Now()
		for _, s := range sessions {
			expires := "never"
			if s.ExpiresAtMs != 0 {
				at := time.UnixMilli(s.ExpiresAtMs)
				if at.Before(now) {
					expires = "expired"
				} else {
					expires = at.Sub(now).Round(time.Minute).String()
				}
			}
			fmt.Printf("%-36s  %-16s  %-8s  %s\n", s.ID, s.Username, s.Role, expires)
		}
		return nil
	},
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke [session-id]",
	Short: "Revoke a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		ok, err := store.Revoke(args[0])
		if err != nil {
			return fmt.Errorf("revoke failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("session not found: %s", args[0])
		}
		fmt.Printf("Revoked session %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd, sessionsListCmd, sessionsRevokeCmd)

	sessionsCreateCmd.Flags().StringVar(&sessionRole, "role", session.RoleOperator, "Role: operator or admin")
	sessionsCreateCmd.Flags().DurationVar(&sessionTTL, "ttl", 0, "Session lifetime (default: sessions.ttl from config, 0 = never)")
	sessionsCreateCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("ttl") {
			sessionTTL = cfg.Sessions.TTL
		}
	}
}

func openSessionStore() (*session.Store, error) {
	return session.NewStore(filepath.Join(cfg.StateDir, "sessions"))
}
