package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rss-fetch-worker/internal/config"
	"github.com/JakeFAU/rss-fetch-worker/internal/server"
)

func newRunCmd(cfgFile *string) *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the fetch worker",
		Long: `Connects to the task broker and result publisher, starts the worker pool
and runs until SIGINT or SIGTERM. Exits non-zero when the broker or publisher
cannot be reached within the configured retry budget.

With the memory broker driver, --seed loads feed URLs (one per line, blank
lines and # comments ignored) into the in-process queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var links []string
			if seedFile != "" {
				if links, err = readSeedFile(seedFile); err != nil {
					return err
				}
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			if len(links) > 0 {
				if err := app.Seed(cmd.Context(), links); err != nil {
					app.Close(cmd.Context())
					return fmt.Errorf("seed: %w", err)
				}
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "file of feed URLs to enqueue on the memory broker")
	return cmd
}

func readSeedFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var links []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		links = append(links, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return links, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
