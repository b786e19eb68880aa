package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUsername string
	initBaseURL  string
	initLanguage string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id on the chat backend")
	initCmd.Flags().StringVar(&initUsername, "username", "", "Your display name")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL (default http://localhost:8080)")
	initCmd.Flags().StringVar(&initLanguage, "language", "", "Preferred reading language (default en)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.anytongue/config.toml",
	Long:  "Initialize the AnyTongue CLI by storing your session token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUsername != "" {
			cfg.Auth.Username = initUsername
		}
		if initBaseURL != "" {
			cfg.Server.BaseURL = initBaseURL
		}
		if initLanguage != "" {
			cfg.Auth.Language = initLanguage
		}
		if cfg.Auth.Language == "" {
			cfg.Auth.Language = "en"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
