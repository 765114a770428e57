package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"devicegate/internal/session/domain"
)

func newSessionsCmd(open Opener) *cobra.Command {
	c := &cobra.Command{
		Use:   "sessions",
		Short: "List and revoke device sessions",
	}
	c.AddCommand(newSessionsListCmd(open), newSessionsRevokeCmd(open), newSessionsRevokeAllCmd(open))
	return c
}

func newSessionsListCmd(open Opener) *cobra.Command {
	var userID string
	var all bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List a user's sessions, newest activity first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(open, func(s *Session) error {
				sessions, err := s.API.ListSessions(cmd.Context(), s.Actor, userID, !all)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tDEVICE\tSTATUS\tBROWSER\tOS\tLAST SEEN\tREASON")
				for _, sess := range sessions {
					reason := ""
					if sess.Revocation != nil {
						reason = sess.Revocation.Reason
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						sess.ID, sess.DeviceID, sess.Status(),
						sess.Attributes.BrowserName, sess.Attributes.OSName,
						sess.LastSeen.UTC().Format(time.RFC3339), reason)
				}
				return w.Flush()
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id (required)")
	c.Flags().BoolVar(&all, "all", false, "include revoked sessions")
	_ = c.MarkFlagRequired("user")
	return c
}

func newSessionsRevokeCmd(open Opener) *cobra.Command {
	var sessionID, reason string
	c := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke one session and kill it at the IdP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(open, func(s *Session) error {
				if err := s.API.RevokeOne(cmd.Context(), s.Actor, sessionID, reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s revoked\n", sessionID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&sessionID, "id", "", "session id (required)")
	c.Flags().StringVar(&reason, "reason", domain.ReasonAdminRevoked, "revocation reason")
	_ = c.MarkFlagRequired("id")
	return c
}

func newSessionsRevokeAllCmd(open Opener) *cobra.Command {
	var userID, reason string
	c := &cobra.Command{
		Use:   "revoke-all",
		Short: "Revoke every active session of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(open, func(s *Session) error {
				n, err := s.API.RevokeAll(cmd.Context(), s.Actor, userID, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %d session(s) for user %s\n", n, userID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&userID, "user", "", "user id (required)")
	c.Flags().StringVar(&reason, "reason", domain.ReasonAdminRevokedAll, "revocation reason")
	_ = c.MarkFlagRequired("user")
	return c
}
