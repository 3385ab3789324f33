package main

import (
	"context"
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
	verbose  bool
	jsonMode bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-refserver",
	Short: "Reference Modbus TCP server for client validation",
	Long: `modbus-refserver is a Modbus TCP server with a pre-seeded, reproducible
data store, used to validate Modbus client implementations.

On successful bind it prints a single line to stdout:

  MODBUS_PORT=<port>

so a parent test process can discover the ephemeral port. All other
output goes to stderr.

Data patterns:
  Coils (FC 0x01):             alternating true/false
  Discrete Inputs (FC 0x02):   first 100 true, rest false
  Holding Registers (FC 0x03): sequential 0, 1, 2, ...
  Input Registers (FC 0x04):   value = address * 10

Examples:
  # Start with an ephemeral port (for testing)
  modbus-refserver

  # Start on a specific port
  modbus-refserver --port 5020

  # JSON discovery output
  modbus-refserver --json`,
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
	rootCmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host to bind to")
	rootCmd.Flags().IntVar(&port, "port", 0, "Port to bind to (0 for ephemeral)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output on stderr")
	rootCmd.Flags().BoolVar(&jsonMode, "json", false, "Output server info as JSON")

	viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
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
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

func runServe(cmd *cobra.Command, args []string) error {
	bindHost := viper.GetString("host")
	bindPort := viper.GetInt("port")

	store := modbus.NewReferenceStore(modbus.ReferenceSpaceSize)
	server := modbus.NewServer(store,
		modbus.WithServerLogger(logger),
		modbus.WithIdentity(modbus.ReferenceIdentity()),
	)

	listener, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(bindPort)))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", bindHost, bindPort, err)
	}

	realizedPort := listener.Addr().(*net.TCPAddr).Port

	// Port discovery line for the parent test process. Must be the only
	// stdout output and must be flushed before blocking to serve.
	if jsonMode {
		if err := json.NewEncoder(os.Stdout).Encode(serverInfo{
			Host:    bindHost,
			Port:    realizedPort,
			Version: version,
			Status:  "running",
		}); err != nil {
			listener.Close()
			return err
		}
	} else {
		fmt.Printf("MODBUS_PORT=%d\n", realizedPort)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Server listening on %s:%d\n", bindHost, realizedPort)
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
