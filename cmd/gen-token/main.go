package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/auth"
	"prism-board/config"
)

type options struct {
	count  int
	prefix string
	start  int
	ttl    time.Duration
	output string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "gen-token [user-id]",
		Short:        "Sign local HS256 tokens for LOCAL_AUTH_MODE=hs256",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count < 1 || opts.start < 1 {
				return fmt.Errorf("count and start must be at least 1")
			}
			if len(args) > 0 && opts.count > 1 {
				return fmt.Errorf("explicit user id cannot be combined with --count")
			}
			cfg, err := config.LoadStorage()
			if err != nil {
				return err
			}
			secret := cfg.Auth.LocalSecret
			if secret == "" {
				secret = os.Getenv("TEST_JWT_SECRET")
			}
			tokens, err := generate([]byte(secret), cfg.Auth.Audience, opts, args)
			if err != nil {
				return err
			}
			if opts.output != "" {
				if err := writeTokens(opts.output, tokens); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), tokens[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.count, "count", 1, "number of tokens to generate")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "load-user", "user id prefix when count > 1")
	cmd.Flags().IntVar(&opts.start, "start", 1, "first index when count > 1")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.output, "output", "", "write all tokens to this file as a JSON array")
	return cmd
}

func generate(secret []byte, audience string, opts options, args []string) ([]string, error) {
	tokens := make([]string, opts.count)
	for i := range tokens {
		userID := opts.prefix
		switch {
		case len(args) > 0:
			userID = args[0]
		case opts.count > 1:
			userID = fmt.Sprintf("%s-%d", opts.prefix, opts.start+i)
		}
		tok, err := auth.SignLocal(secret, audience, userID, opts.ttl)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
