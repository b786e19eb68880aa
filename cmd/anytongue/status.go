package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the local history cache and live conversation stats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntimeConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Server.BaseURL, "(default)"))
		fmt.Printf("  Language:    %s\n", valueOrDefault(cfg.Auth.Language, "en"))
		fmt.Printf("  Poll every:  %s\n", cfg.pollInterval())

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
			return nil
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if ids, err := s.cache.List(); err == nil {
			fmt.Println()
			fmt.Printf("Cache:         %d conversations\n", len(ids))
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.engine.RefreshConversations(ctx); err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		convs := s.engine.Conversations()
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(len(convs))))
		fmt.Printf("  Unread:        %s\n", humanize.Comma(int64(s.engine.UnreadTotal())))
		if len(convs) > 0 && convs[0].LastMessage != nil {
			fmt.Printf("  Last activity: %s\n", convs[0].LastMessage.Relative)
		}
		return nil
	},
}
