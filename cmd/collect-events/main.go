package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	var outPath, eventName, eventDomain string
	cmd := &cobra.Command{
		Use:          "collect-events",
		Short:        "Summarize prism-api request events read from JSON logs on stdin",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newCollector(eventName, eventDomain)
			if err := collect(cmd.InOrStdin(), c); err != nil {
				return fmt.Errorf("read logs: %w", err)
			}
			summary := c.summary()
			if outPath != "" {
				if err := writeSummary(outPath, summary); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.ShortString())
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write the aggregated summary as JSON to this path")
	cmd.Flags().StringVar(&eventName, "event-name", requestEventName, "event name to collect")
	cmd.Flags().StringVar(&eventDomain, "event-domain", requestEventDomain, "event domain to match")
	return cmd
}

func collect(r io.Reader, c *collector) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			c.ingest(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func writeSummary(path string, summary summaryOutput) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	data, err := sonic.ConfigStd.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
