// File: main.go

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"station-coordinator/pkg/config"
	"station-coordinator/pkg/database"
	"station-coordinator/pkg/dispatch"
	"station-coordinator/pkg/hub"
	"station-coordinator/pkg/models"
	"station-coordinator/pkg/monitor"
	"station-coordinator/pkg/protocol"
	"station-coordinator/pkg/registry"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "station-coordinator",
	Short: "Central coordination server for the station network",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	Run: func(cmd *cobra.Command, args []string) {
		settings, err := config.Load()
		if err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		reg := registry.New()
		dispatcher := dispatch.NewDispatcher(reg, db, logger, settings.AckTimeout, settings.MaxRetries)
		defer dispatcher.Close()

		sessions := hub.NewHub(reg, db, dispatcher, logger,
			settings.HeartbeatInterval, settings.ConnectionTimeout)

		prober, err := monitor.NewHTTPProber(settings.ProbePort, settings.ProbeTimeout, settings.ProbeTransport)
		if err != nil {
			logger.Error("Error creating health prober", "error", err)
			os.Exit(1)
		}

		healthMonitor := monitor.New(db, prober, logger,
			settings.MonitorInterval, settings.ProbeTimeout, settings.MaxConsecutiveFailures)
		healthMonitor.OnStatusChange(func(ev monitor.Event) {
			sessions.BroadcastStationStatus(ev.StationID, ev.StationName, ev.Online)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go healthMonitor.Run(ctx)
		go sessions.RunSweeper(ctx)
		go logStats(ctx, sessions)

		mux := http.NewServeMux()
		mux.Handle(settings.WSPath, sessions)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"success":true}`)
		})

		srv := &http.Server{
			Addr:    settings.ListenAddr,
			Handler: mux,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Coordinator listening",
				"addr", settings.ListenAddr,
				"wsPath", settings.WSPath)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Server failed", "error", err)
				os.Exit(1)
			}
		case <-ctx.Done():
		}

		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown error", "error", err)
		}
		sessions.CloseAll()
	},
}

var stationsCmd = &cobra.Command{
	Use:   "stations",
	Short: "Print the presence snapshot for every station",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		stations, err := db.GetAllStations(context.Background())
		if err != nil {
			logger.Error("Error listing stations", "error", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tACTIVE\tONLINE\tLAST HEARTBEAT\tIP")
		for _, st := range stations {
			heartbeat := "-"
			if !st.LastHeartbeat.IsZero() {
				heartbeat = st.LastHeartbeat.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n",
				st.ID, st.Name, st.IsActive, st.IsOnline, heartbeat, st.LocalServerIP)
		}
		w.Flush()
	},
}

var syncEntityCmd = &cobra.Command{
	Use:   "sync-entity [entity-type] [operation] [json-file]",
	Short: "Validate an entity payload and print the sync frame it would produce",
	Long: `Validate an entity payload and print the sync frame it would produce.
[entity-type] is one of: staff, vehicle, route, station, destination, governorate, delegation
[operation] is one of: CREATE, UPDATE, DELETE
[json-file] is a file holding the entity payload as JSON`,
	Example: "sync-entity vehicle UPDATE vehicle.json",
	Args:    cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		entityType, operation, file := args[0], args[1], args[2]

		if !models.ValidEntityType(entityType) {
			logger.Error("Unknown entity type", "entityType", entityType)
			os.Exit(1)
		}
		if !models.ValidOperation(operation) {
			logger.Error("Unknown operation", "operation", operation)
			os.Exit(1)
		}

		data, err := os.ReadFile(file)
		if err != nil {
			logger.Error("Error reading payload file", "error", err)
			os.Exit(1)
		}
		if !json.Valid(data) {
			logger.Error("Payload file is not valid JSON", "file", file)
			os.Exit(1)
		}

		frame, err := protocol.New(protocol.TypeInstantSync, protocol.InstantSyncPayload{
			SyncID:     "dry-run",
			EntityType: entityType,
			Operation:  operation,
			Data:       data,
		})
		if err != nil {
			logger.Error("Error building frame", "error", err)
			os.Exit(1)
		}

		out, err := json.MarshalIndent(frame, "", "  ")
		if err != nil {
			logger.Error("Error encoding frame", "error", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

func logStats(ctx context.Context, sessions *hub.Hub) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connections, stations, pending := sessions.Stats()
			logger.Info("Coordinator stats",
				"connections", connections,
				"stations", stations,
				"pendingSyncs", pending)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stationsCmd)
	rootCmd.AddCommand(syncEntityCmd)
}

func initConfig() {
	config.SetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.station-coordinator")
	viper.AddConfigPath("/etc/station-coordinator/")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
		// Missing config file is fine: every key has a default.
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
