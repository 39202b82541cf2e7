package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tiiuae/missioncontroller/internal/commands"
	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/fsm"
	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/link/mavlink"
	"github.com/tiiuae/missioncontroller/internal/link/sim"
	"github.com/tiiuae/missioncontroller/internal/missionstore"
	"github.com/tiiuae/missioncontroller/internal/mqttclient"
	"github.com/tiiuae/missioncontroller/internal/supervisor"
	"github.com/tiiuae/missioncontroller/internal/telemetry"
	"github.com/tiiuae/missioncontroller/internal/types"
)

type runFlags struct {
	connection string
	plan       string
	deviceID   string
	logLevel   string
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the flight controller and fly mission cycles until terminated",
		Long: `Connect to the flight controller and fly mission cycles until terminated.

The first SIGINT or SIGTERM aborts the current cycle and lands before
exiting. A second one exits immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&flags.connection, "connection", "", "flight controller connection string, e.g. serial:///dev/ttyAMA0:57600 or sim://")
	cmd.Flags().StringVar(&flags.plan, "plan", "", "mission plan file")
	cmd.Flags().StringVar(&flags.deviceID, "device-id", "", "the provisioned device id")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

// loadConfig layers flags over the config file and environment.
func loadConfig(cmd *cobra.Command, flags runFlags) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("connection") {
		cfg.Connection = flags.connection
	}
	if cmd.Flags().Changed("plan") {
		cfg.Plan = flags.plan
	}
	if cmd.Flags().Changed("device-id") {
		cfg.DeviceID = flags.deviceID
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.SetupLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// planStore is a FileStore or a GitStore.
type planStore interface {
	fsm.PlanStore
	supervisor.PlanSyncer
	Close() error
}

func openStore(cfg *config.Config) (planStore, error) {
	limits := missionstore.LimitsFromConfig(cfg.Mission)
	if cfg.PlanRepo.URL != "" {
		return missionstore.NewGitStore(cfg.PlanRepo, cfg.Plan, limits)
	}
	return missionstore.NewFileStore(cfg.Plan, limits)
}

func dialLink(ctx context.Context, cfg *config.Config) (link.Adapter, error) {
	ep, err := config.ParseEndpoint(cfg.Connection)
	if err != nil {
		return nil, err
	}
	if ep.Scheme == config.SchemeSim {
		log.Info("Using the simulated flight controller")
		return sim.New(sim.DefaultOptions()), nil
	}
	log.WithField("simulation", cfg.IsSimulation()).Infof("Connecting to flight controller at %s", ep)
	return mavlink.Dial(ctx, ep, mavlink.OptionsFromConfig(cfg.Link))
}

func run(cfg *config.Config) error {
	logger := log.WithFields(log.Fields{"component": "main", "device": cfg.DeviceID})

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A signal during startup abandons the connection attempts. Once
	// setup is done the group below owns the signal channel.
	setupCtx, endSetup := interruptible(ctx, signals)
	defer endSetup()

	adapter, err := dialLink(setupCtx, cfg)
	if err != nil {
		return errors.WithMessage(err, "flight controller")
	}
	defer adapter.Close()

	store, err := openStore(cfg)
	if err != nil {
		return errors.WithMessage(err, "mission store")
	}
	defer store.Close()

	var bus *types.MessageBus
	post := func(msg types.Message) { bus.Post(msg) }

	machine := fsm.New(adapter, store, cfg.Mission, cfg.DeviceID, post)
	sup := supervisor.New(machine, store)
	handlers := []types.MessageHandler{
		types.NewLogger(),
		sup,
		telemetry.NewMonitor(adapter, cfg.DeviceID, cfg.Mission.PollInterval.Duration),
	}
	if cfg.MQTT.Enabled() {
		client, err := mqttclient.Connect(setupCtx, cfg.MQTT, cfg.DeviceID)
		if err != nil {
			return errors.WithMessage(err, "mqtt")
		}
		defer client.Disconnect(1000)
		handlers = append(handlers,
			telemetry.NewPublisher(client, cfg.DeviceID, cfg.MQTT.TelemetryRate),
			commands.New(client, cfg.DeviceID),
		)
	}
	bus = types.NewMessageBus(make(chan types.Message, 100), handlers...)
	if !endSetup() {
		return errors.New("interrupted during startup")
	}

	g, gctx := errgroup.WithContext(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go bus.Run(gctx, &wg)

	g.Go(func() error {
		select {
		case <-sup.Done():
			return errStopped
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-signals:
			logger.Infof("Got %s, landing before exit (repeat to force)", sig)
			sup.Shutdown()
		}
		select {
		case <-gctx.Done():
			return nil
		case sig := <-signals:
			return errors.Errorf("forced exit on second %s", sig)
		}
	})

	err = g.Wait()
	logger.Info("Waiting for routines to finish..")
	wg.Wait()
	if err == errStopped {
		err = nil
	}
	logger.WithField("cycles", machine.Cycles()).Info("Signing off - BYE")
	return err
}

// interruptible returns a context that is cancelled when a signal arrives
// before end is called. end stops watching and reports whether setup ran to
// completion without a signal. It is safe to call more than once.
func interruptible(parent context.Context, signals <-chan os.Signal) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	watching := make(chan struct{})
	interrupted := false
	go func() {
		defer close(watching)
		select {
		case sig := <-signals:
			log.WithField("component", "main").Infof("Got %s during startup, giving up", sig)
			interrupted = true
			cancel()
		case <-done:
		case <-parent.Done():
		}
	}()
	var once sync.Once
	return ctx, func() bool {
		once.Do(func() {
			close(done)
			<-watching
			cancel()
		})
		return !interrupted
	}
}

// errStopped ends the group once the supervisor has landed and stopped.
var errStopped = errors.New("supervisor stopped")
