package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"prism-board/auth"
	"prism-board/config"
	"prism-board/internal/consts"
)

type options struct {
	streamURL   string
	project     string
	conns       int
	duration    time.Duration
	idleTimeout time.Duration
	maxFailure  float64
}

type counters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	events   atomic.Uint64
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "sse-load",
		Short:        "Hold many board streams open and count delivered events",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStorage()
			if err != nil {
				return err
			}
			secret := []byte(cfg.Auth.LocalSecret)
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.duration)
			defer cancel()

			var c counters
			g, gctx := errgroup.WithContext(ctx)
			for i := range opts.conns {
				token, err := auth.SignLocal(secret, cfg.Auth.Audience, fmt.Sprintf("load-user-%d", i+1), opts.duration+time.Minute)
				if err != nil {
					return err
				}
				target, err := streamTarget(opts.streamURL, opts.project)
				if err != nil {
					return err
				}
				g.Go(func() error {
					hold(gctx, target, token, &c)
					return nil
				})
			}
			g.Go(func() error {
				select {
				case <-time.After(opts.idleTimeout):
					if c.events.Load() == 0 {
						return fmt.Errorf("no events received in %s", opts.idleTimeout)
					}
				case <-gctx.Done():
				}
				return nil
			})
			err = g.Wait()

			attempts, failures, events := c.attempts.Load(), c.failures.Load(), c.events.Load()
			log.WithFields(log.Fields{
				"connections":         opts.conns,
				"duration":            opts.duration.String(),
				"events_received":     events,
				"connection_failures": failures,
			}).Info("sse load finished")
			if err != nil {
				return err
			}
			if events == 0 {
				return fmt.Errorf("no events received")
			}
			if attempts > 0 && float64(failures)/float64(attempts) > opts.maxFailure {
				return fmt.Errorf("failure rate %.3f above %.3f", float64(failures)/float64(attempts), opts.maxFailure)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.streamURL, "url", getenv("STREAM_URL", "http://localhost:9000/stream"), "stream endpoint")
	cmd.Flags().StringVar(&opts.project, "project", "", "project room to join on connect")
	cmd.Flags().IntVar(&opts.conns, "connections", 200, "concurrent streams")
	cmd.Flags().DurationVar(&opts.duration, "duration", 2*time.Minute, "test length")
	cmd.Flags().DurationVar(&opts.idleTimeout, "idle-timeout", time.Minute, "fail when no event arrives within this window")
	cmd.Flags().Float64Var(&opts.maxFailure, "max-failure-rate", 0.01, "highest acceptable reconnect ratio")
	return cmd
}

func streamTarget(raw, project string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if project != "" {
		q := u.Query()
		q.Set("project", project)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// hold keeps one stream open until ctx ends, reconnecting with backoff.
func hold(ctx context.Context, target, token string, c *counters) {
	backoff := time.Second
	retry := func() bool {
		c.failures.Add(1)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
		return true
	}
	for ctx.Err() == nil {
		c.attempts.Add(1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			if !retry() {
				return
			}
			continue
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				_ = resp.Body.Close()
			}
			if ctx.Err() != nil || !retry() {
				return
			}
			continue
		}
		backoff = time.Second
		countEvents(ctx, bufio.NewScanner(resp.Body), &c.events)
		_ = resp.Body.Close()
		if ctx.Err() != nil || !retry() {
			return
		}
	}
}

// countEvents counts change events on a stream, skipping the connected frame.
func countEvents(ctx context.Context, scanner *bufio.Scanner, n *atomic.Uint64) {
	connected, hasData := false, false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if hasData && !connected {
				n.Add(1)
			}
			connected, hasData = false, false
		case strings.HasPrefix(line, consts.SSEEventPrefix):
			connected = strings.TrimPrefix(line, consts.SSEEventPrefix) == consts.SSEConnected
		case strings.HasPrefix(line, consts.SSEDataPrefix):
			hasData = true
		}
		if ctx.Err() != nil {
			break
		}
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
