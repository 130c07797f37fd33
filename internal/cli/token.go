package cli

import (
	"fmt"
	"time"

	"github.com/harun/toolrun/internal/server"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenSession string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long: `Sign a bearer token with server.auth_secret. Calls made with the token
default to its session when they do not name one.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "toolrun", "token subject")
	tokenCmd.Flags().StringVar(&tokenSession, "session", "", "default session for calls made with the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	signed, err := server.IssueToken([]byte(cfg.Server.AuthSecret), tokenSubject, tokenSession, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}
