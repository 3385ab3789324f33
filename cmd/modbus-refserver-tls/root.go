package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	modbus "github.com/modbuskit/modbus-refserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	host     string
	port     int
	certFile string
	keyFile  string
	caFile   string
	verbose  bool
	jsonMode bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-refserver-tls",
	Short: "Reference Modbus/TCP Security server for client validation",
	Long: `modbus-refserver-tls is a Modbus/TCP Security (TLS) server with the same
pre-seeded data store as modbus-refserver, used to validate Modbus TLS
client implementations.

On successful bind it prints a single line to stdout:

  MODBUS_TLS_PORT=<port>

TLS configuration per the Modbus/TCP Security spec:
  - Minimum TLS 1.2
  - Server certificate required
  - Client certificate optional (--cafile enables verification)

Examples:
  # Start with default certificates on an ephemeral port
  modbus-refserver-tls --port 0

  # Custom certificates
  modbus-refserver-tls --certfile /path/to/cert.crt --keyfile /path/to/key.key

  # Verify client certificates when presented
  modbus-refserver-tls --cafile /path/to/ca.crt`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
	RunE: runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbus-refserver.yaml)")
	rootCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host to bind to")
	rootCmd.Flags().IntVar(&port, "port", modbus.DefaultTLSPort, "Port to bind to (0 for ephemeral)")
	rootCmd.Flags().StringVar(&certFile, "certfile", "certs/server.crt", "Path to server certificate")
	rootCmd.Flags().StringVar(&keyFile, "keyfile", "certs/server.key", "Path to server private key")
	rootCmd.Flags().StringVar(&caFile, "cafile", "", "Path to CA certificate for client verification")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output on stderr")
	rootCmd.Flags().BoolVar(&jsonMode, "json", false, "Output server info as JSON")

	viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("certfile", rootCmd.Flags().Lookup("certfile"))
	viper.BindPFlag("keyfile", rootCmd.Flags().Lookup("keyfile"))
	viper.BindPFlag("cafile", rootCmd.Flags().Lookup("cafile"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbus-refserver")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

type serverInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	CertFile string `json:"certfile"`
	Version  string `json:"version"`
	Status   string `json:"status"`
}

func runServe(cmd *cobra.Command, args []string) error {
	bindHost := viper.GetString("host")
	bindPort := viper.GetInt("port")
	cert := viper.GetString("certfile")
	key := viper.GetString("keyfile")
	ca := viper.GetString("cafile")

	tlsConfig, err := modbus.NewServerTLSConfig(cert, key, ca)
	if err != nil {
		return err
	}

	store := modbus.NewReferenceStore(modbus.ReferenceSpaceSize)
	server := modbus.NewServer(store,
		modbus.WithServerLogger(logger),
		modbus.WithIdentity(modbus.ReferenceTLSIdentity()),
	)

	// Bind plain TCP first so the realized port is known, then wrap.
	// Handshakes happen per connection inside the serve loop.
	inner, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(bindPort)))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", bindHost, bindPort, err)
	}
	listener := tls.NewListener(inner, tlsConfig)

	realizedPort := inner.Addr().(*net.TCPAddr).Port

	// Port discovery line for the parent test process. Must be the only
	// stdout output and must be flushed before blocking to serve.
	if jsonMode {
		if err := json.NewEncoder(os.Stdout).Encode(serverInfo{
			Host:     bindHost,
			Port:     realizedPort,
			TLS:      true,
			CertFile: cert,
			Version:  version,
			Status:   "running",
		}); err != nil {
			listener.Close()
			return err
		}
	} else {
		fmt.Printf("MODBUS_TLS_PORT=%d\n", realizedPort)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "TLS server listening on %s:%d\n", bindHost, realizedPort)
		fmt.Fprintf(os.Stderr, "Certificate: %s\n", cert)
		fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		if verbose {
			fmt.Fprintln(os.Stderr, "Shutting down...")
		}
		server.Close()
		<-errCh
		if verbose {
			summary, _ := json.Marshal(server.Metrics().Collect())
			fmt.Fprintf(os.Stderr, "Metrics: %s\n", summary)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
