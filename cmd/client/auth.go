package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginName     string
	loginEmail    string
	loginPassword string

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Log in, creating the account on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			if loginEmail == "" {
				return errors.New("--email is required")
			}
			password := loginPassword
			if password == "" {
				password = os.Getenv("PASTE_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			name := loginName
			if name == "" {
				name, _, _ = strings.Cut(loginEmail, "@")
			}

			d, err := loadDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Close()

			s, err := d.session.Login(cmd.Context(), name, loginEmail, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s <%s>\n", s.User.Name, s.User.Email)
			return nil
		},
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Log out of this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.session.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
)

func init() {
	loginCmd.Flags().StringVar(&loginName, "name", "", "display name (defaults to the email's local part)")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password (or PASTE_PASSWORD, or prompt)")
}
