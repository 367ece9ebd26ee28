// Command voiced runs the voice core as a standalone UDP relay.
//
// Configuration comes from VOICE_ prefixed environment variables; see the
// config package for the full list and defaults.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore"
	"github.com/opd-ai/voicecore/config"
	"github.com/opd-ai/voicecore/metrics"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("voiced exited")
	}
}

func run() error {
	if level, err := logrus.ParseLevel(os.Getenv("VOICE_LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	cfg, err := config.NewFromEnv(context.Background())
	if err != nil {
		return err
	}

	core, err := voicecore.New(voicecore.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	core.Metrics().OnReport(func(s metrics.Snapshot) {
		logrus.WithFields(logrus.Fields{
			"channels":      s.Global.Channels,
			"rx_packets":    s.Transport.PacketsReceived,
			"tx_packets":    s.Transport.PacketsSent,
			"decode_errors": s.Transport.DecodeErrors,
			"queue_drops":   s.Pool.Dropped,
			"avg_latency":   s.AvgLatencyMicros,
		}).Info("metrics report")
	})

	if err := core.Start(); err != nil {
		return err
	}
	defer core.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("shutdown signal received")
	return nil
}
