package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"walletchat/attachment"
	"walletchat/chat"
	"walletchat/client"
	"walletchat/config"
	"walletchat/history"
	"walletchat/logger"
	"walletchat/models"
	"walletchat/storage"
)

var (
	walletFlag   string
	logLevelFlag string
	rootCmd      = &cobra.Command{
		Use:           "walletchat",
		Short:         "Wallet-to-wallet chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// app is the state shared by every command after config is loaded.
type app struct {
	cfg     *config.Config
	dataDir string
	log     zerolog.Logger
	archive *storage.Archive
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&walletFlag, "wallet", "w", "", "wallet address to act as (overrides wallet_address)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (overrides log_level)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and chat from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			return withApp(func(a *app) error { return a.run(cmd.Context(), metricsAddr) })
		},
	}
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9102)")
	rootCmd.AddCommand(runCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Fetch and print message history",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(func(a *app) error { return a.printHistory(cmd.Context(), limit) })
		},
	}
	historyCmd.Flags().IntP("limit", "n", 0, "maximum records to fetch (default history_limit)")
	rootCmd.AddCommand(historyCmd)

	conversationsCmd := &cobra.Command{
		Use:   "conversations",
		Short: "Print conversation summaries from the local archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error { return a.printConversations(cmd.Context()) })
		},
	}
	rootCmd.AddCommand(conversationsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withApp(fn func(*app) error) error {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if walletFlag != "" {
		cfg.WalletAddress = walletFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	a := &app{
		cfg:     cfg,
		dataDir: dataDir,
		log:     logger.New("walletchat").Level(logger.ParseLevel(cfg.LogLevel)),
	}

	if cfg.ArchiveEnabled {
		archive, dbPath, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() {
			if err := archive.Close(); err != nil {
				a.log.Error().Stack().Err(err).Msg("archive close failed")
			}
		}()
		a.archive = archive
		a.log.Debug().Str("path", dbPath).Msg("archive opened")
	}

	return fn(a)
}

func (a *app) wallet() (string, error) {
	if models.NormalizeIdentity(a.cfg.WalletAddress) == "" {
		return "", errors.New("no wallet address: pass --wallet or set WALLETCHAT_WALLET_ADDRESS")
	}
	return a.cfg.WalletAddress, nil
}

func (a *app) run(ctx context.Context, metricsAddr string) error {
	wallet, err := a.wallet()
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		stopMetrics := a.serveMetrics(metricsAddr)
		defer stopMetrics()
	}

	opts := client.Options{
		RealtimeURL:      a.cfg.RealtimeURL,
		DiscoveryService: a.cfg.DiscoveryService,
		HistoryURL:       a.cfg.HistoryURL,
		HistoryLimit:     a.cfg.HistoryLimit,
		Codec:            attachment.NewCodec(a.cfg.MaxAttachmentBytes),
		Logger:           a.log,
		Reconnect:        a.cfg.Reconnect(),
		SendTimeout:      a.cfg.SendTimeout(),
	}
	if a.archive != nil {
		opts.Archive = a.archive
	}
	c, err := client.New(opts)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		for status := range c.StatusChanges() {
			if status.Err != nil {
				fmt.Printf("* %s (%v)\n", status.State, status.Err)
				continue
			}
			fmt.Printf("* %s\n", status.State)
		}
	}()

	if err := c.Activate(ctx, wallet); err != nil {
		return fmt.Errorf("activate %s: %w", wallet, err)
	}
	if err := c.OnConversations(newConversationPrinter(os.Stdout).update); err != nil {
		return err
	}

	fmt.Printf("Wallet:          %s\n", c.Identity())
	fmt.Println("Commands:        send <peer> <text> | file <peer> <path> | read <peer> | list | show <peer> | save <message-id> | status | quit")
	return runREPL(ctx, c, os.Stdin, os.Stdout)
}

func (a *app) serveMetrics(addr string) func() {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	server := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Stack().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func (a *app) printHistory(ctx context.Context, limit int) error {
	wallet, err := a.wallet()
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = a.cfg.HistoryLimit
	}

	var source history.Source = history.NewHTTPSource(a.cfg.HistoryURL, 0)
	if a.archive != nil {
		source = history.WithFallback(source, a.archive)
	}

	records, err := source.Fetch(ctx, wallet, limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s  %s -> %s  %s", rec.Timestamp, rec.From, rec.To, rec.Content)
		if rec.AttachmentName != "" {
			line += fmt.Sprintf("  [%s, %s]", rec.AttachmentName, attachment.HumanSize(rec.AttachmentSize))
		}
		fmt.Println(line)
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}

func (a *app) printConversations(ctx context.Context) error {
	wallet, err := a.wallet()
	if err != nil {
		return err
	}
	if a.archive == nil {
		return errors.New("archive is disabled (archive_enabled=false)")
	}

	msgs, err := a.archive.Messages(ctx, wallet, a.cfg.HistoryLimit)
	if err != nil {
		return err
	}
	convs := chat.Rebuild(wallet, msgs)
	printSummaries(os.Stdout, chat.Summaries(convs, nil))
	return nil
}
