package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gateway "github.com/goliatone/go-gateway"
	"github.com/goliatone/go-gateway/core"
	"github.com/spf13/cobra"
)

func loginCmd(opts *cliOptions) *cobra.Command {
	var (
		tokenFile    string
		accessToken  string
		refreshToken string
		expiresIn    time.Duration
		tokenType    string
	)
	cmd := &cobra.Command{
		Use:   "login [provider]",
		Short: "Store a credential obtained from an external login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			credential, err := loadCredential(tokenFile, accessToken, refreshToken, tokenType, expiresIn, time.Now().UTC())
			if err != nil {
				return err
			}
			rt, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.close()

			providerID := args[0]
			if err := rt.service.Authorize(cmd.Context(), providerID, credential); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "Stored credential for %s\n", providerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "token json file {access_token, refresh_token, expires_at}")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "access token lifetime, e.g. 1h")
	cmd.Flags().StringVar(&tokenType, "token-type", "Bearer", "token type")
	return cmd
}

// loadCredential reads the token file when given, otherwise builds the
// credential from flags.
func loadCredential(tokenFile, accessToken, refreshToken, tokenType string, expiresIn time.Duration, now time.Time) (core.Credential, error) {
	if strings.TrimSpace(tokenFile) != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return core.Credential{}, fmt.Errorf("gateway: read token file: %w", err)
		}
		credential, err := core.TokenJSONCodec{}.Decode(data)
		if err != nil {
			return core.Credential{}, fmt.Errorf("gateway: parse token file: %w", err)
		}
		return credential, nil
	}
	if accessToken == "" && refreshToken == "" {
		return core.Credential{}, errors.New("gateway: --token-file or --access-token/--refresh-token is required")
	}
	credential := core.Credential{
		Kind:          core.CredentialKindOAuthAccess,
		Secret:        []byte(accessToken),
		RefreshSecret: []byte(refreshToken),
		TokenType:     tokenType,
	}
	if accessToken == "" {
		credential.Kind = core.CredentialKindOAuthRefresh
	}
	if expiresIn > 0 {
		expiresAt := now.Add(expiresIn)
		credential.ExpiresAt = &expiresAt
	}
	return credential, nil
}

func logoutCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout [provider]",
		Short: "Delete the stored credential of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.service.Logout(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "Logged out of %s\n", args[0])
			return nil
		},
	}
}

func statusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential state and cooldowns of every provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.close()

			statuses, err := rt.service.Status(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			for _, status := range statuses {
				masked := ""
				if credential, err := rt.service.OAuth().Inspect(cmd.Context(), status.ProviderID); err == nil {
					masked = maskedToken(credential)
				}
				fmt.Fprintln(rt.out, formatStatusLine(status, masked, now))
			}
			return nil
		},
	}
}

func refreshCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [provider]",
		Short: "Force a token refresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.close()

			credential, err := rt.service.Refresh(cmd.Context(), args[0])
			if err != nil {
				return explainError(err)
			}
			fmt.Fprintf(rt.out, "Refreshed %s, %s\n", args[0], formatExpiry(credential.ExpiresAt, time.Now().UTC()))
			return nil
		},
	}
}

func invokeCmd(opts *cliOptions) *cobra.Command {
	var (
		providerID string
		tier       string
		category   string
		prompt     string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Send a prompt through the fallback chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.close()

			req := gateway.InvocationRequest{
				ProviderHint: providerID,
				TierHint:     tier,
				Category:     category,
				Prompt:       []byte(prompt),
			}
			if timeout > 0 {
				req.Deadline = time.Now().Add(timeout)
			}
			result, err := rt.service.Invoke(cmd.Context(), req)
			if err != nil {
				return explainError(err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s/%s (%s) after %d attempt(s)\n", result.ProviderID, result.Tier, result.Model, result.Attempts)
			_, err = rt.out.Write(append(result.Payload, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "preferred provider")
	cmd.Flags().StringVar(&tier, "tier", "", "preferred tier")
	cmd.Flags().StringVar(&category, "category", "", "task category used for routing")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// explainError adds the re-authorization hint to errors that need a user.
func explainError(err error) error {
	if err == nil {
		return nil
	}
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		if providers := gatewayErr.ReauthorizationRequired(); len(providers) > 0 {
			return fmt.Errorf("%w\nrun `gateway login <provider>` for: %s", err, strings.Join(providers, ", "))
		}
	}
	if core.ClassifyError(err).RequiresUserAction() {
		return fmt.Errorf("%w\nrun `gateway login <provider>` to re-authorize", err)
	}
	return err
}
