package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velosd/velosd/internal/daemon"
)

func main() {
	var cfg daemon.Config
	flag.StringVar(&cfg.StateDir, "state-dir", defaultStateDir(), "directory holding the pid file, unix socket, state snapshot, and captured logs")
	flag.StringVar(&cfg.SocketPath, "socket", "", "IPC socket path (defaults to <state-dir>/velos.sock)")
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatal("daemon startup failed", zap.Error(err))
	}

	log.Info("velosd running", zap.String("state_dir", cfg.StateDir))
	if err := d.Run(); err != nil {
		log.Fatal("daemon exited with error", zap.Error(err))
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("VELOSD_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/velosd"
	}
	return fmt.Sprintf("%s/.velosd", home)
}
