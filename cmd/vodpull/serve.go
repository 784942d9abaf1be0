package main

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/justchokingaround/vodpull/internal/config"
	"github.com/justchokingaround/vodpull/internal/player"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve finished videos to a browser",
	Long: `serve exposes the finished videos of the catalog over HTTP. The player
password and the log level are reloaded when the config file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if cfg.Player.Password == "" {
			logger.Warn("player.password is empty, serving without authentication")
		}

		srv := player.NewServer(store, player.Config{
			Listen:   cfg.Player.Listen,
			Password: cfg.Player.Password,
			VideoDir: cfg.Storage.OutputDir,
			Logger:   logger,
		})

		if v.ConfigFileUsed() != "" {
			v.OnConfigChange(func(e fsnotify.Event) {
				logger.Info("config file changed", "name", e.Name)
				var reloaded config.Config
				if err := v.Unmarshal(&reloaded); err != nil {
					logger.Error("failed to reload config", "error", err)
					return
				}
				srv.SetPassword(reloaded.Player.Password)
				config.SetLogLevel(reloaded.Logging.Level)
				logger.Info("player settings reloaded")
			})
			v.WatchConfig()
		}

		return srv.ListenAndServe(ctx)
	},
}
