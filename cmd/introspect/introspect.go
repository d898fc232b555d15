package introspect

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/safehost/tokengate/auth/introspection"
	"github.com/safehost/tokengate/cmd/helpers"
	"github.com/safehost/tokengate/config"
)

// EnvToken supplies the token when --token is omitted.
const EnvToken = "TOKENGATE_TOKEN"

var (
	flagConfig       string
	flagToken        string
	flagEndpoint     string
	flagClientID     string
	flagClientSecret string

	IntrospectCmd = &cobra.Command{
		Use:           "introspect",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Introspect a token against the configured authorization server",
		Long: `
Sends one introspection request and prints the verdict. Nothing is cached.

Usage:
  $ tokengate introspect --config=/etc/tokengate/config.hcl --token=<token>
  $ tokengate introspect --endpoint=https://id.example.com/connect/introspect \
      --client-id=svc.introspector --client-secret=... --token=<token>

The token may also be passed in the TOKENGATE_TOKEN environment variable.
`,
		RunE: run,
	}
)

func init() {
	IntrospectCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to a tokengate configuration file")
	IntrospectCmd.Flags().StringVar(&flagToken, "token", "", "Token to introspect")
	IntrospectCmd.Flags().StringVar(&flagEndpoint, "endpoint", "", "Absolute introspection endpoint URL")
	IntrospectCmd.Flags().StringVar(&flagClientID, "client-id", introspection.DefaultClientID, "Introspection client id")
	IntrospectCmd.Flags().StringVar(&flagClientSecret, "client-secret", "", "Introspection client secret")
}

func run(cmd *cobra.Command, args []string) error {
	token := flagToken
	if token == "" {
		token = os.Getenv(EnvToken)
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("a token is required: use --token or %s", EnvToken)
	}

	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	client, err := introspection.NewClient(cfg)
	if err != nil {
		return err
	}

	v, err := client.Introspect(cmd.Context(), token)
	if err != nil {
		return fmt.Errorf("introspection failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout())
	helpers.PrintMapAsTable(cmd.OutOrStdout(), describe(v))
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func clientConfig() (introspection.Config, error) {
	if flagConfig != "" {
		conf, err := config.LoadConfig(flagConfig)
		if err != nil {
			return introspection.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		return conf.IntrospectionConfig()
	}
	if flagEndpoint == "" {
		return introspection.Config{}, errors.New("either --config or --endpoint is required")
	}
	secret := flagClientSecret
	if secret == "" {
		secret = os.Getenv(config.EnvIntrospectionSecret)
	}
	return introspection.Config{
		Endpoint:     flagEndpoint,
		ClientID:     flagClientID,
		ClientSecret: secret,
	}, nil
}

// describe flattens a verdict for display. Unset fields are left out.
func describe(v *introspection.TokenVerdict) map[string]any {
	out := map[string]any{"active": v.Active}
	if !v.Active {
		return out
	}

	put := func(k, val string) {
		if val != "" {
			out[k] = val
		}
	}
	putTime := func(k string, t time.Time) {
		if !t.IsZero() {
			out[k] = t.UTC().Format(time.RFC3339)
		}
	}

	put("sub", v.Subject)
	put("client_id", v.ClientID)
	put("username", v.Username)
	put("iss", v.Issuer)
	put("token_type", v.TokenType)
	put("jti", v.TokenID)
	put("scope", strings.Join(v.Scopes, " "))
	put("aud", strings.Join(v.Audiences, ", "))
	putTime("exp", v.ExpiresAt)
	putTime("iat", v.IssuedAt)
	putTime("nbf", v.NotBefore)
	for k, raw := range v.Extra {
		out[k] = string(raw)
	}
	return out
}
