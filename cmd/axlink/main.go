// axlink runs the adaptive transmission engine against a KISS TNC
// reached over TCP. Configuration lives in an INI file; see
// axlink.ini.example for the full set of options.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kf7mix/axlink/internal/ax25"
	"github.com/kf7mix/axlink/internal/config"
	"github.com/kf7mix/axlink/internal/engine"
	"github.com/kf7mix/axlink/internal/kiss"
	"github.com/kf7mix/axlink/internal/link"
	"github.com/kf7mix/axlink/internal/sched"
	"github.com/kf7mix/axlink/internal/session"
	"github.com/kf7mix/axlink/internal/store"
	"github.com/kf7mix/axlink/internal/wire"
)

var version = "dev"

const dialTimeout = 10 * time.Second

func main() {
	var configFile string

	root := &cobra.Command{
		Use:     "axlink",
		Short:   "adaptive packet-radio transmission engine",
		Long:    "axlink speaks AX.25 through a KISS TNC and layers reliable,\nadaptively tuned message transfer on top of it.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(configFile)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "axlink.ini", "configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg := config.NewConfig(configFile)
	if err := cfg.Load(); err != nil {
		return err
	}

	log, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	local, err := stationAddress(cfg)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"station": local.String(),
		"version": version,
	}).Info("axlink starting")

	routes, queue, closeStores, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	addr := fmt.Sprintf("%s:%d", cfg.GetKISSAddress(), cfg.GetKISSPort())
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "connect to TNC at %s", addr)
	}
	defer conn.Close()
	log.WithField("tnc", addr).Info("TNC connected")

	if err := sendTNCParams(conn, cfg); err != nil {
		return errors.Wrap(err, "TNC parameter setup")
	}

	eng, err := engine.New(engineOptions(cfg, local), conn, routes, queue, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logEvents(eng, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.WithField("signal", s.String()).Info("shutting down")
		cancel()
	}()

	err = eng.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("axlink stopped")
	return err
}

func setupLogging(cfg *config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.GetLogLevel())
	}
	if cfg.GetLogDebug() {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	if file := cfg.GetLogFile(); file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		log.SetOutput(f)
	}
	return log, nil
}

func stationAddress(cfg *config.Config) (ax25.Address, error) {
	if cfg.GetCallsign() == "" {
		return ax25.Address{}, errors.New("no Callsign configured in [Station]")
	}
	return ax25.ParseAddress(fmt.Sprintf("%s-%d", cfg.GetCallsign(), cfg.GetSSID()))
}

func openStores(cfg *config.Config, log *logrus.Logger) (store.RouteStore, store.QueueStore, func(), error) {
	if !cfg.GetDatabaseEnabled() {
		m := store.NewMemory()
		return m, m, func() {}, nil
	}

	db, err := store.OpenSQLite(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "open database")
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("database close failed")
		}
	}
	return db, db, closeFn, nil
}

// sendTNCParams pushes the configured timing parameters to the modem
// before any traffic flows.
func sendTNCParams(conn net.Conn, cfg *config.Config) error {
	channel := cfg.GetKISSChannel()
	params := []struct {
		command uint8
		value   uint8
	}{
		{kiss.CmdTxDelay, cfg.GetTxDelay()},
		{kiss.CmdPersistence, cfg.GetPersistence()},
		{kiss.CmdSlotTime, cfg.GetSlotTime()},
	}
	for _, p := range params {
		if _, err := conn.Write(kiss.EncodeCommand([]byte{p.value}, channel, p.command)); err != nil {
			return err
		}
	}
	return nil
}

func engineOptions(cfg *config.Config, local ax25.Address) engine.Options {
	modulo := ax25.Modulo8
	if cfg.GetExtendedSequence() {
		modulo = ax25.Modulo128
	}

	capability := wire.DefaultCapability()
	if !cfg.GetCompression() {
		capability.Features = wire.NewFeatureSet(wire.FeatureSelectiveReject, wire.FeatureSACK)
		capability.Compression = nil
	}
	if !cfg.GetSelectiveReject() {
		capability.Features = wire.FeatureSetFromBits(
			capability.Features.Bits() &^ wire.NewFeatureSet(wire.FeatureSelectiveReject).Bits())
	}

	return engine.Options{
		Local:   local,
		Channel: cfg.GetKISSChannel(),
		Session: session.Config{
			Window:          int(cfg.GetWindow()),
			Modulo:          modulo,
			MinRTO:          time.Duration(cfg.GetMinRTOSeconds() * float64(time.Second)),
			MaxRTO:          time.Duration(cfg.GetMaxRTOSeconds() * float64(time.Second)),
			IdleTimeout:     time.Duration(cfg.GetIdleSeconds()) * time.Second,
			MaxRetries:      int(cfg.GetMaxRetries()),
			ChunkSize:       int(cfg.GetChunkSize()),
			SelectiveReject: cfg.GetSelectiveReject(),
		},
		Sched: sched.Config{
			BucketCapacity: cfg.GetBucketCapacity(),
			RefillRate:     cfg.GetRefillRate(),
			MaxJitter:      time.Duration(cfg.GetMaxJitterMs()) * time.Millisecond,
			BulkShare:      cfg.GetBulkShare(),
		},
		MaxWindow: int(cfg.GetMaxWindow()),
		Adaptive:  cfg.GetAdaptiveEnabled(),
		AdaptiveDefaults: sched.Params{
			ChunkSize: int(cfg.GetManualChunkSize()),
			Window:    int(cfg.GetManualWindow()),
		},
		Overrides:  cfg.GetOverrides(),
		Capability: capability,
	}
}

// logEvents drains the engine bus so operators see traffic in the log.
func logEvents(eng *engine.Engine, log *logrus.Logger) {
	events, cancel := eng.Events().Subscribe(64)
	defer cancel()

	for ev := range events {
		fields := logrus.Fields{"peer": ev.Key.Peer}
		switch ev.Type {
		case link.EventSessionState:
			log.WithFields(fields).WithField("state", ev.State).Info("session state")
		case link.EventChatReceived:
			log.WithFields(fields).Infof("chat: %s", ev.Data)
		case link.EventMessageReceived:
			log.WithFields(fields).WithField("bytes", len(ev.Data)).Info("message received")
		case link.EventTransferProgress:
			log.WithFields(fields).Debugf("transfer %d/%d", ev.Done, ev.Total)
		case link.EventTransferComplete:
			log.WithFields(fields).WithField("message", ev.MessageID).Info("transfer complete")
		case link.EventTransferFailed:
			log.WithFields(fields).WithField("message", ev.MessageID).Warn("transfer failed")
		case link.EventPong:
			log.WithFields(fields).WithField("rtt", ev.RTT).Info("pong")
		}
	}
}
