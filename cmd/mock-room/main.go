package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/polyroom/cmd/mock-room/backend"
	"github.com/amoylab/polyroom/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of mock-room",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mock-room version %s\n", version.Get())
	},
}

var rootCmd = &cobra.Command{
	Use:   "mock-room",
	Short: "Mock multi-language room server",
	Long:  `Mock room server relays chat, typing and presence between participants and tags every cross-language line as a pseudo translation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Flags().StringP("addr", "a", ":8000", "Address to listen on")
	rootCmd.Flags().Int("max-users", backend.DefaultMaxUsers, "Participants allowed per room")
}

func run(cmd *cobra.Command) error {
	addr, _ := cmd.Flags().GetString("addr")
	maxUsers, _ := cmd.Flags().GetInt("max-users")

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv := backend.NewRoomServer(logger, backend.Options{MaxUsers: maxUsers})
	if err := srv.Start(addr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down server...")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(sctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
