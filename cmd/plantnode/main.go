package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"plantnode/internal/api"
	"plantnode/internal/auth"
	"plantnode/internal/cloud"
	"plantnode/internal/config"
	"plantnode/internal/connection"
	"plantnode/internal/events"
	"plantnode/internal/metrics"
	"plantnode/internal/mqtt"
	"plantnode/internal/properties"
	"plantnode/internal/sensors"
	"plantnode/internal/storage"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

func main() {
	var (
		configPath  string
		secretsPath string
		issueToken  string
		logLevel    string
	)
	pflag.StringVarP(&configPath, "config", "c", ".env", "Path to the node configuration file")
	pflag.StringVarP(&secretsPath, "secrets", "s", "arduino_secrets.env", "Path to the secrets file (device key, Wi-Fi credentials)")
	pflag.StringVar(&issueToken, "issue-token", "", "Print an API token for the given subject and exit")
	pflag.StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	pflag.Parse()

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", logLevel, err)
		os.Exit(2)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath, secretsPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("configuration loaded", zap.Stringer("config", cfg), zap.String("version", Version))

	tokens, err := auth.NewJWTManager(cfg.APISecret(), cfg.TokenExpiration())
	if err != nil {
		logger.Fatal("failed to create token manager", zap.Error(err))
	}

	if issueToken != "" {
		token, err := tokens.GenerateToken(issueToken)
		if err != nil {
			logger.Fatal("failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tokens, logger); err != nil {
		logger.Fatal("node stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(os.Stdout),
		lvl,
	)
	return zap.New(core), nil
}

func run(parent context.Context, cfg *config.Config, tokens *auth.JWTManager, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	eventStore := events.NewStore(200)
	m := metrics.New()

	network := newNetwork(cfg, logger)
	network.OnStateChange(func(s connection.State) {
		m.SetNetworkState(int(s))
		switch s {
		case connection.StateConnected:
			eventStore.Add(events.EventNetworkUp, "", "network", true, network.SSID())
		case connection.StateDisconnected:
			eventStore.Add(events.EventNetworkDown, "", "network", false, network.SSID())
		}
	})

	opts := []cloud.Option{
		cloud.WithLogger(logger),
		cloud.WithMetrics(m),
		cloud.WithStorage(store, cfg.HistorySize()),
		cloud.WithEvents(eventStore),
	}
	announcer := &cloud.DiscoveryAnnouncer{
		Device: &mqtt.DeviceInfo{
			Identifiers:  []string{cfg.BoardID()},
			Name:         "Plant node " + cfg.BoardID(),
			Model:        "plantnode",
			Manufacturer: "plantnode " + Version,
		},
	}
	if cfg.HADiscovery() {
		opts = append(opts, cloud.WithAnnouncer(announcer))
	}

	client := cloud.NewClient(mqttTransport(cfg, store, announcer, logger), opts...)

	node := sensors.NewNode()
	properties.Init(client, properties.Config{
		ThingID:   cfg.ThingID(),
		BoardID:   cfg.BoardID(),
		DeviceKey: cfg.DeviceKey(),
		Interval:  cfg.PublishInterval(),
	}, node)

	if err := client.Validate(); err != nil {
		return fmt.Errorf("cloud configuration: %w", err)
	}

	server := api.NewServer(api.Deps{
		Cloud:           client,
		Network:         network,
		Events:          eventStore,
		Metrics:         m,
		Tokens:          tokens,
		NoAuth:          cfg.NoAuth(),
		Logger:          logger,
		ReadingsLimiter: auth.NewIPRateLimiter(time.Second, 10),
		TrustProxy:      cfg.TrustProxy(),
	})
	if cfg.NoAuth() {
		logger.Warn("authentication is DISABLED")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		printAccessURLs(logger, cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		network.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Housekeep(ctx, time.Minute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runCloud(ctx, client, network, beginRetryDelay, logger); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	// The cloud client publishes offline while the network is still up and
	// persists its last values before the store closes.
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	stopNetwork(shutdownCtx, network, cfg.WiFiLeaveOnExit(), logger)

	return runErr
}

// newNetwork builds the connection handler from the Wi-Fi secrets. opts
// are applied after the defaults.
func newNetwork(cfg *config.Config, logger *zap.Logger, opts ...connection.Option) *connection.WiFiHandler {
	defaults := []connection.Option{
		connection.WithJoiner(joinerFor(cfg.WiFiSSID())),
		connection.WithLogger(logger),
	}
	return connection.NewWiFiHandler(cfg.WiFiSSID(), cfg.WiFiPass(), append(defaults, opts...)...)
}

// joinerFor returns the nmcli joiner for a configured SSID. Without an SSID
// the host is expected to manage the network itself.
func joinerFor(ssid string) connection.Joiner {
	if ssid == "" {
		return connection.HostJoiner{}
	}
	return connection.NMCLIJoiner{}
}

// stopNetwork closes the connection handler. The Wi-Fi link stays up unless
// leave is set.
func stopNetwork(ctx context.Context, network *connection.WiFiHandler, leave bool, logger *zap.Logger) {
	if !leave {
		network.Close()
		return
	}
	if err := network.Disconnect(ctx); err != nil {
		logger.Warn("network disconnect", zap.Error(err))
	}
}

// mqttTransport returns a factory connecting to the configured broker with
// the device identity as credentials
func mqttTransport(cfg *config.Config, store storage.Storage, announcer *cloud.DiscoveryAnnouncer, logger *zap.Logger) cloud.TransportFactory {
	return func(id cloud.Identity) (cloud.Transport, error) {
		client, err := mqtt.New(mqtt.Config{
			Broker:      cfg.MQTTBroker(),
			ClientID:    id.BoardID,
			Username:    id.BoardID,
			Password:    id.DeviceKey,
			Prefix:      cfg.MQTTPrefix(),
			UseTLS:      cfg.MQTTUseTLS(),
			WillTopic:   mqtt.AvailabilityTopic(id.ThingID),
			WillPayload: mqtt.PayloadOffline,
		}, logger)
		if err != nil {
			return nil, err
		}
		announcer.Manager = mqtt.NewDiscoveryManager(client, logger, store, id.BoardID)
		return mqtt.NewPublisher(client, logger), nil
	}
}

// beginRetryDelay is the fixed delay between Begin attempts
const beginRetryDelay = 10 * time.Second

// cloudNode is the part of the cloud client the run loop drives
type cloudNode interface {
	Begin(ctx context.Context, network cloud.Network) error
	Validate() error
	Run(ctx context.Context) error
}

// runCloud begins the client and publishes until ctx is done. Errors caused
// by the cancellation itself are not reported.
func runCloud(ctx context.Context, client cloudNode, network cloud.Network, delay time.Duration, logger *zap.Logger) error {
	if err := beginWithRetry(ctx, client, network, delay, logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("cloud begin: %w", err)
	}
	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("cloud client: %w", err)
	}
	return nil
}

// beginWithRetry starts the cloud client, retrying transport failures every
// delay. Configuration errors are returned at once.
func beginWithRetry(ctx context.Context, client cloudNode, network cloud.Network, delay time.Duration, logger *zap.Logger) error {
	for {
		err := client.Begin(ctx, network)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || client.Validate() != nil {
			return err
		}

		logger.Warn("cloud connect failed, retrying", zap.Error(err), zap.Duration("in", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// printAccessURLs logs the addresses the API is reachable on
func printAccessURLs(logger *zap.Logger, addr string) {
	port := addr
	if idx := strings.LastIndex(port, ":"); idx != -1 {
		port = port[idx+1:]
	}

	ips := connection.LocalIPs()
	if len(ips) == 0 {
		ips = []string{"localhost"}
	}
	urls := make([]string, 0, len(ips))
	for _, ip := range ips {
		urls = append(urls, fmt.Sprintf("http://%s:%s", ip, port))
	}
	logger.Info("API listening", zap.String("addr", addr), zap.Strings("urls", urls))
}
