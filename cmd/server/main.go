package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aeolun/memdb-socket/pkg/journal"
	"github.com/aeolun/memdb-socket/pkg/server"
	"github.com/aeolun/memdb-socket/pkg/socket"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

var (
	configPath  string
	host        string
	port        int
	ipv6        bool
	backlog     int
	metricsAddr string
	journalPath string
	logLevel    string
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "~/.memdb-socket/config.toml", "path to config file")
	rootCmd.Flags().StringVar(&host, "host", "", "address to bind (overrides config)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on, 0 for ephemeral (overrides config)")
	rootCmd.Flags().BoolVar(&ipv6, "ipv6", false, "bind an IPv6 socket (overrides config)")
	rootCmd.Flags().IntVar(&backlog, "backlog", 0, "listen backlog (overrides config)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. localhost:9100")
	rootCmd.Flags().StringVar(&journalPath, "journal", "", "path to SQLite accept journal (overrides config)")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "[ trace | debug | info | warn | error ]")
}

var rootCmd = &cobra.Command{
	Use:           "memdb-socket",
	Short:         "Raw socket greeting server",
	Long:          "Binds a raw TCP socket, listens, and answers every client with a fixed greeting.",
	SilenceErrors: true,
	SilenceUsage:  true,
	Version:       Version,
	RunE:          run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Command-line flags override config file
	flags := cmd.Flags()
	if flags.Changed("host") {
		tomlConfig.Listener.Host = host
	}
	if flags.Changed("port") {
		tomlConfig.Listener.Port = port
	}
	if flags.Changed("ipv6") {
		tomlConfig.Listener.IPv6 = ipv6
	}
	if flags.Changed("backlog") {
		tomlConfig.Listener.Backlog = backlog
	}
	if flags.Changed("metrics") {
		tomlConfig.Metrics.Addr = metricsAddr
	}
	if flags.Changed("journal") {
		tomlConfig.Journal.Path = journalPath
	}
	if flags.Changed("log-level") {
		tomlConfig.Log.Level = logLevel
	}

	config := tomlConfig.ToServerConfig()
	if flags.Changed("port") {
		// 0 is meaningful on the command line: ask for an ephemeral port.
		config.Port = port
	}

	log, err := server.NewLogger(config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}
	log.Infof("memdb-socket %s starting", Version)
	log.Debugf("Config: %s", configPath)

	var opts []server.Option
	opts = append(opts, server.WithLogger(log))

	if path, err := tomlConfig.GetJournalPath(); err != nil {
		return fmt.Errorf("failed to resolve journal path: %w", err)
	} else if path != "" {
		j, err := openJournal(path, config, log)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, server.WithJournal(j))
	}

	if config.MetricsAddr != "" {
		opts = append(opts, server.WithMetrics(startMetrics(config.MetricsAddr, log)))
	}

	spec, err := config.AddressSpec()
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	handle, err := server.Bootstrap(spec, server.BootstrapOptions{
		ReuseAddress: config.ReuseAddress,
		Backlog:      config.Backlog,
		Log:          log,
	})
	if err != nil {
		if socket.IsAddrInUse(err) {
			log.Errorf("%s is already in use", spec)
		} else if socket.IsPermission(err) {
			log.Errorf("Not permitted to bind %s", spec)
		}
		return err
	}

	srv := server.NewServer(handle, server.NewGreetingHandler(config, log), config, opts...)

	bound, err := srv.Addr()
	if err != nil {
		srv.Close()
		return err
	}
	log.Infof("Listening on %s", bound)

	var stopping atomic.Bool
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("Received %s, shutting down", sig)
		stopping.Store(true)
		srv.Close()
	}()

	err = srv.Serve()
	if stopping.Load() && errors.Is(err, socket.ErrAccept) {
		log.Info("Server stopped")
		return nil
	}
	srv.Close()
	return err
}

func openJournal(path string, config server.ServerConfig, log *logrus.Logger) (*journal.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j, err := journal.Open(path, log.WithField("component", "journal"))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	log.Infof("Journal: %s", path)

	if config.JournalRetention > 0 {
		pruned, err := j.Prune(config.JournalRetention)
		if err != nil {
			log.WithError(err).Warn("Failed to prune journal")
		} else if pruned > 0 {
			log.Infof("Pruned %d journal entries older than %s", pruned, config.JournalRetention)
		}
	}
	return j, nil
}

func startMetrics(addr string, log *logrus.Logger) *server.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	go func() {
		log.Infof("Starting metrics server on http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("Metrics server error")
		}
	}()

	return metrics
}
