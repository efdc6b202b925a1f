package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/amoylab/polyroom/pkg/version"
	"github.com/ifuryst/lol"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "polyroom.yaml"

var (
	configPath string
	roomID     string
	userID     string
	language   string
	speak      bool

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of polyroom",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("polyroom version %s\n", version.Get())
		},
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Join a room and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, os.Stdin, cmd.OutOrStdout(), chatOptions{speak: speak})
		},
	}

	usersCmd = &cobra.Command{
		Use:   "users",
		Short: "Print the current participants of a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runUsers(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	rootCmd = &cobra.Command{
		Use:          "polyroom",
		Short:        "Multilingual chat room client",
		Long:         `polyroom keeps you connected to a multi-language chat room, reconnecting on failures and speaking translated messages on request`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "", "path to configuration file, like /etc/polyroom/polyroom.yaml")
	rootCmd.PersistentFlags().StringVar(&roomID, "room", "", "room id, overrides session.room")
	chatCmd.Flags().StringVar(&userID, "user", "", "participant id, overrides session.participant")
	chatCmd.Flags().StringVar(&language, "lang", "", "language code, overrides session.language")
	chatCmd.Flags().BoolVar(&speak, "speak", false, "print the utterances a speech backend would read out")

	rootCmd.AddCommand(versionCmd, chatCmd, usersCmd)
}

// loadConfig reads --conf, or polyroom.yaml from the lookup path when present,
// and applies the command line overrides
func loadConfig() (*config.ClientConfig, error) {
	name := configPath
	if name == "" {
		name = defaultConfigFile
	}
	cfg, _, err := config.LoadConfig(name)
	if err != nil {
		if configPath != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.Default()
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.ClientConfig) {
	if roomID != "" {
		cfg.Session.Room = roomID
	}
	if userID != "" {
		cfg.Session.Participant = userID
	}
	if language != "" {
		cfg.Session.Language = language
	}
	if cfg.Session.Participant == "" {
		cfg.Session.Participant = "user_" + lol.RandomString(9)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
