package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"pkt.systems/folio/api"
	"pkt.systems/folio/client"
)

const envPassword = "FOLIO_PASSWORD"

func newLoginCommand(env *cliEnv) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and keep the access credential in the session file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(email)
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if password == "" {
				password = os.Getenv(envPassword)
			}
			if password == "" {
				pw, err := readPassword(cmd)
				if err != nil {
					return err
				}
				password = pw
			}
			app, closeApp, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()
			user, err := app.Client().Login(cmd.Context(), email, password)
			if err != nil {
				if client.IsUnauthorized(err) {
					return fmt.Errorf("login failed: wrong e-mail or password")
				}
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s <%s>\n", user.Name, user.Email)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account e-mail address")
	cmd.Flags().StringVar(&password, "password", "", "account password (prefer the prompt or "+envPassword+")")
	return cmd
}

// readPassword prompts on a terminal without echo, or reads one line from
// piped input.
func readPassword(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("no password given")
	}
	return pw, nil
}

func newLogoutCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, closeApp, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()
			if app.Session().State() == client.SessionAnonymous {
				fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
				return nil
			}
			if err := app.Client().Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

type whoamiOutput struct {
	User  api.User     `yaml:"user"`
	Token *tokenOutput `yaml:"token,omitempty"`
}

type tokenOutput struct {
	Subject   string `yaml:"subject,omitempty"`
	Issuer    string `yaml:"issuer,omitempty"`
	IssuedAt  string `yaml:"issued-at,omitempty"`
	ExpiresAt string `yaml:"expires-at,omitempty"`
	ExpiresIn string `yaml:"expires-in,omitempty"`
}

func newWhoamiCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and the lifetime of the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, closeApp, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()
			user, err := app.Client().Profile(cmd.Context())
			if err != nil {
				if errors.Is(err, client.ErrNotAuthenticated) || errors.Is(err, client.ErrSessionExpired) {
					return fmt.Errorf("not logged in: run folio login")
				}
				return err
			}
			out := whoamiOutput{User: user, Token: describeToken(app.Session().CurrentToken(), time.Now())}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

// describeToken reads the claims of an access token without verifying it;
// the backend already accepted it. Opaque tokens yield nil.
func describeToken(raw string, now time.Time) *tokenOutput {
	if raw == "" {
		return nil
	}
	tok, err := jwt.ParseString(raw, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil
	}
	out := &tokenOutput{Subject: tok.Subject(), Issuer: tok.Issuer()}
	if iat := tok.IssuedAt(); !iat.IsZero() {
		out.IssuedAt = iat.UTC().Format(time.RFC3339)
	}
	if exp := tok.Expiration(); !exp.IsZero() {
		out.ExpiresAt = exp.UTC().Format(time.RFC3339)
		if left := exp.Sub(now); left > 0 {
			out.ExpiresIn = left.Round(time.Second).String()
		} else {
			out.ExpiresIn = "expired"
		}
	}
	return out
}
