package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omn25/cuelens/chunk"
	"github.com/omn25/cuelens/gate"
	"github.com/omn25/cuelens/mic"
	"github.com/omn25/cuelens/relay"
	"github.com/omn25/cuelens/rt"
	"github.com/omn25/cuelens/store"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(burstCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(suggestionsCmd)
	rootCmd.AddCommand(devicesCmd)

	rootCmd.PersistentFlags().
		String("api-base-url", "http://localhost:3001", "Base URL of the transcription relay")
	rootCmd.PersistentFlags().String("api-key", "", "Relay API key")
	rootCmd.PersistentFlags().String("language", "en", "Transcription language")
	rootCmd.PersistentFlags().
		String("model", "gpt-4o-mini-transcribe", "Transcription model")
	rootCmd.PersistentFlags().
		String("device", "", "Input device name (empty for default)")
	rootCmd.PersistentFlags().
		String("postgres-url", "", "Postgres URL for transcript persistence (optional)")

	viper.BindPFlag(
		"api_base_url",
		rootCmd.PersistentFlags().Lookup("api-base-url"),
	)
	viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("language", rootCmd.PersistentFlags().Lookup("language"))
	viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag(
		"postgres_url",
		rootCmd.PersistentFlags().Lookup("postgres-url"),
	)

	listenCmd.Flags().
		Int("max-retries", 5, "Reconnection attempts before giving up")
	burstCmd.Flags().
		Duration("burst-duration", 2500*time.Millisecond, "Length of each recorded burst")
	relayCmd.Flags().IntP("port", "p", 3001, "Port for the dev relay")
	suggestionsCmd.Flags().Int("limit", 50, "How many suggestions to list")

	viper.BindPFlag(
		"max_retries",
		listenCmd.Flags().Lookup("max-retries"),
	)
	viper.BindPFlag(
		"burst_duration",
		burstCmd.Flags().Lookup("burst-duration"),
	)
}

func initConfig() {
	viper.SetConfigName("cuelens")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "cuelens",
	Short: "CueLens turns live conversation audio into transcripts and cues",
	Long:  `CueLens streams microphone audio to a transcription relay, over a realtime session or a chunked fallback, and turns finalized transcripts into conversation cues.`,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream the microphone over the realtime session protocol",
	Run:   runListen,
}

var burstCmd = &cobra.Command{
	Use:   "burst",
	Short: "Transcribe via the chunked fallback (burst record and upload)",
	Run:   runBurst,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a local development relay",
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		st := openStoreIfConfigured(cmd.Context())
		if st != nil {
			defer st.Close()
		}
		if err := relay.NewServer(logger, st).Serve(port); err != nil {
			logger.Fatal("relay server failed", "error", err)
		}
	},
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List recently generated suggestions",
	Run:   runSuggestions,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available input devices",
	Run: func(cmd *cobra.Command, args []string) {
		names, err := mic.ListInputDevices()
		if err != nil {
			logger.Fatal("list devices", "error", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

func runListen(cmd *cobra.Command, args []string) {
	maxRetries := viper.GetInt("max_retries")

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	capture, err := mic.Open(mic.Config{
		DeviceName: viper.GetString("device"),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("open microphone", "error", err)
	}
	defer capture.Stop()
	if err := capture.Start(); err != nil {
		logger.Fatal("start capture", "error", err)
	}

	policy := rt.DefaultRetryPolicy()
	policy.MaxRetries = maxRetries

	g := gate.New(1, logger)
	client, err := rt.NewClient(rt.Config{
		BaseURL:  viper.GetString("api_base_url"),
		APIKey:   viper.GetString("api_key"),
		Model:    viper.GetString("model"),
		Language: viper.GetString("language"),
		Policy:   policy,
		Gate:     g,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("create session client", "error", err)
	}
	defer client.Close()

	if err := client.Connect(ctx, capture); err != nil {
		logger.Fatal("connect", "error", err)
	}
	logger.Info("session streaming", "relay", viper.GetString("api_base_url"))

	st := openStoreIfConfigured(ctx)
	var sessionID string
	if st != nil {
		defer st.Close()
		sessionID = fmt.Sprintf("listen-%d", time.Now().Unix())
		if err := st.CreateSession(ctx, sessionID, "realtime"); err != nil {
			logger.Error("record session", "error", err)
			st = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-client.Errors():
			logger.Fatal("session failed", "error", err)
		case ev, ok := <-client.Transcripts():
			if !ok {
				return
			}
			if ev.IsFinal {
				fmt.Println(ev.Text)
			}
			if st != nil {
				if err := st.SaveTranscript(
					ctx, sessionID, ev.Text, ev.IsFinal,
				); err != nil {
					logger.Error("save transcript", "error", err)
				}
			}
		}
	}
}

func runBurst(cmd *cobra.Command, args []string) {
	burstDuration := viper.GetDuration("burst_duration")

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	capture, err := mic.Open(mic.Config{
		DeviceName: viper.GetString("device"),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("open microphone", "error", err)
	}
	defer capture.Stop()
	if err := capture.Start(); err != nil {
		logger.Fatal("start capture", "error", err)
	}

	g := gate.New(1, logger)
	client, err := chunk.NewClient(chunk.Config{
		BaseURL:       viper.GetString("api_base_url"),
		APIKey:        viper.GetString("api_key"),
		BurstDuration: burstDuration,
		Gate:          g,
		Logger:        logger,
		OnTranscript: func(text string) {
			fmt.Println(text)
		},
		OnSuggestions: func(suggestions []chunk.Suggestion) {
			for _, s := range suggestions {
				logger.Info("cue", "keyword", s.Keyword, "text", s.Text)
			}
		},
		OnError: func(err error) {
			logger.Error("burst error", "error", err)
		},
	})
	if err != nil {
		logger.Fatal("create fallback client", "error", err)
	}

	if err := client.Start(ctx, capture); err != nil {
		logger.Fatal("start burst cycle", "error", err)
	}
	defer client.Stop()

	<-ctx.Done()
}

func runSuggestions(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	st := openStoreIfConfigured(cmd.Context())
	if st == nil {
		logger.Fatal("postgres_url is required for this command")
	}
	defer st.Close()

	rows, err := st.ListSuggestions(cmd.Context(), limit)
	if err != nil {
		logger.Fatal("list suggestions", "error", err)
	}
	if len(rows) == 0 {
		fmt.Println("No suggestions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(
		[]string{"ID", "Created At", "Keyword", "Suggestion", "Transcript"},
	)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, row := range rows {
		table.Append([]string{
			fmt.Sprintf("%d", row.ID),
			row.CreatedAt.Format("2006-01-02 15:04:05"),
			row.Keyword,
			row.Text,
			row.Transcript,
		})
	}
	table.Render()
}

func openStoreIfConfigured(ctx context.Context) *store.Store {
	url := viper.GetString("postgres_url")
	if url == "" {
		return nil
	}
	st, err := store.Open(ctx, url)
	if err != nil {
		logger.Error("postgres unavailable, persistence disabled", "error", err)
		return nil
	}
	return st
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
