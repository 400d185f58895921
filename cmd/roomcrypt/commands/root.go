package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"roomcrypt/internal/app"
	"roomcrypt/internal/logger"
)

var (
	home        string
	serverURL   string
	accessToken string
	userID      string
	deviceID    string
	verbose     bool

	wire *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:   "roomcrypt",
		Short: "End-to-end encryption engine CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zapcore.WarnLevel
			if verbose {
				level = zapcore.DebugLevel
			}
			logger.Init(level)

			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".roomcrypt")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			var err error
			wire, err = app.NewWire(app.Config{
				DBPath:      filepath.Join(home, "state.db"),
				ServerURL:   serverURL,
				AccessToken: accessToken,
				UserID:      userID,
				DeviceID:    deviceID,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire != nil {
				return wire.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.roomcrypt)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "homeserver base URL")
	root.PersistentFlags().StringVar(&accessToken, "token", "", "homeserver access token")
	root.PersistentFlags().StringVar(&userID, "user", "", "our user id")
	root.PersistentFlags().StringVar(&deviceID, "device", "", "our device id")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(initCmd(), statusCmd(), devicesCmd(), verifyCmd(), backupCmd(), exportCmd(), importCmd())
	return root.Execute()
}
