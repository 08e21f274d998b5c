package main

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-extractor/internal/api"
	"github.com/zombor/invoice-extractor/internal/blob"
	"github.com/zombor/invoice-extractor/internal/database"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/invoice"
	"github.com/zombor/invoice-extractor/internal/pdftext"
	"github.com/zombor/invoice-extractor/internal/pipeline"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port            int
	dbBackend       string
	dbPath          string
	postgresDSN     string
	blobBackend     string
	storagePath     string
	minioEndpoint   string
	minioAccessKey  string
	minioSecretKey  string
	minioBucket     string
	minioSSL        bool
	geminiKey       string
	geminiModel     string
	ollamaURL       string
	ollamaModel     string
	maxUploadMB     int
	minTextLength   int
	extractAttempts int
	retryInitial    time.Duration
	retryMax        time.Duration
	authUser        string
	authPass        string
	logLevel        string
	logFormat       string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine; real environment variables win
	_ = godotenv.Load()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.logLevel, cfg.logFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (config, error) {
	var cfg config

	fs := ff.NewFlagSet("invoice-extractor")
	fs.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.dbBackend, 0, "db-backend", "bolt", "Invoice database: 'bolt' or 'postgres'")
	fs.StringVar(&cfg.dbPath, 0, "db", "invoice-extractor.db", "BoltDB file path (invoices and local file metadata)")
	fs.StringVar(&cfg.postgresDSN, 0, "postgres-dsn", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.blobBackend, 0, "blob-backend", "local", "File storage: 'local' or 'minio'")
	fs.StringVar(&cfg.storagePath, 0, "storage", "./invoices", "Local storage directory path")
	fs.StringVar(&cfg.minioEndpoint, 0, "minio-endpoint", "localhost:9000", "MinIO endpoint")
	fs.StringVar(&cfg.minioAccessKey, 0, "minio-access-key", "", "MinIO access key")
	fs.StringVar(&cfg.minioSecretKey, 0, "minio-secret-key", "", "MinIO secret key")
	fs.StringVar(&cfg.minioBucket, 0, "minio-bucket", "invoices", "MinIO bucket name")
	fs.BoolVar(&cfg.minioSSL, 0, "minio-ssl", "Use TLS for MinIO")
	fs.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-1.5-flash", "Google Gemini model name")
	fs.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL (empty disables Ollama)")
	fs.StringVar(&cfg.ollamaModel, 0, "ollama-model", "llama3.1", "Ollama model name (e.g., llama3.1, qwen2.5, mistral)")
	fs.IntVar(&cfg.maxUploadMB, 0, "max-upload-mb", 25, "Maximum PDF upload size in megabytes")
	fs.IntVar(&cfg.minTextLength, 0, "min-text-length", pdftext.MinTextLength, "Minimum characters of text a PDF must yield before the model is called")
	fs.IntVar(&cfg.extractAttempts, 0, "extract-attempts", 1, "Model attempts per extraction; only transient failures are retried")
	fs.DurationVar(&cfg.retryInitial, 0, "retry-initial", 500*time.Millisecond, "Initial wait between extraction attempts")
	fs.DurationVar(&cfg.retryMax, 0, "retry-max", 5*time.Second, "Maximum wait between extraction attempts")
	fs.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	fs.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	fs.StringVar(&cfg.logLevel, 0, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.logFormat, 0, "log-format", "text", "Log format: text or json")

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("INVOICE_EXTRACTOR"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return cfg, err
	}

	if cfg.geminiKey == "" {
		cfg.geminiKey = os.Getenv("GEMINI_API_KEY")
	}

	switch cfg.dbBackend {
	case "bolt", "postgres":
	default:
		return cfg, fmt.Errorf("invalid db backend %q: want bolt or postgres", cfg.dbBackend)
	}
	switch cfg.blobBackend {
	case "local", "minio":
	default:
		return cfg, fmt.Errorf("invalid blob backend %q: want local or minio", cfg.blobBackend)
	}
	if cfg.maxUploadMB <= 0 {
		return cfg, fmt.Errorf("max-upload-mb must be positive")
	}

	return cfg, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg config) error {
	// Bolt holds local file metadata and, with the bolt backend, invoices.
	// It is opened once since bbolt locks the file.
	var boltDB *bbolt.DB
	if cfg.dbBackend == "bolt" || cfg.blobBackend == "local" {
		slog.Info("Initializing database...", "path", cfg.dbPath)
		var err error
		boltDB, err = database.OpenBolt(cfg.dbPath, invoice.Bucket, blob.FilesBucket)
		if err != nil {
			return err
		}
		defer boltDB.Close()
	}

	invoices, closeInvoices, err := openInvoices(ctx, cfg, boltDB)
	if err != nil {
		return err
	}
	defer closeInvoices()

	files, err := openFiles(ctx, cfg, boltDB)
	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	p := pipeline.New(files, pdftext.NewExtractor(), engine, pipeline.Config{
		MaxUploadBytes: int64(cfg.maxUploadMB) << 20,
		MinTextLength:  cfg.minTextLength,
		Retry: pipeline.RetryPolicy{
			MaxAttempts:     cfg.extractAttempts,
			InitialInterval: cfg.retryInitial,
			MaxInterval:     cfg.retryMax,
		},
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server, err := api.NewServer(p, files, invoices, api.Options{
		BasicAuth: api.BasicAuth{Username: cfg.authUser, Password: cfg.authPass},
		Registry:  registry,
		Models:    engine.Models(),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version, "models", engine.Models())
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func openInvoices(ctx context.Context, cfg config, boltDB *bbolt.DB) (invoice.Repository, func(), error) {
	if cfg.dbBackend == "bolt" {
		return invoice.NewBoltRepository(boltDB), func() {}, nil
	}

	slog.Info("Connecting to PostgreSQL...")
	db, err := database.OpenPostgres(ctx, database.PostgresConfig{
		DSN:             cfg.postgresDSN,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}

	repo := invoice.NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repo, func() { closeDB(db) }, nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("Error closing database", "error", err)
	}
}

func openFiles(ctx context.Context, cfg config, boltDB *bbolt.DB) (blob.Store, error) {
	if cfg.blobBackend == "minio" {
		slog.Info("Initializing MinIO storage...", "endpoint", cfg.minioEndpoint, "bucket", cfg.minioBucket)
		return blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:  cfg.minioEndpoint,
			AccessKey: cfg.minioAccessKey,
			SecretKey: cfg.minioSecretKey,
			Bucket:    cfg.minioBucket,
			UseSSL:    cfg.minioSSL,
		})
	}

	slog.Info("Initializing storage...", "path", cfg.storagePath)
	return blob.NewLocalStore(filepath.Clean(cfg.storagePath), boltDB)
}

func newEngine(ctx context.Context, cfg config) (*extraction.Engine, error) {
	generators := make(map[extraction.Model]extraction.Generator)

	if cfg.geminiKey != "" {
		slog.Info("Initializing Gemini...", "model", cfg.geminiModel)
		gemini, err := extraction.NewGemini(ctx, cfg.geminiKey, cfg.geminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		generators[extraction.ModelGemini] = gemini
	} else {
		slog.Warn("No Gemini API key configured; the gemini model will report unavailable")
	}

	if cfg.ollamaURL != "" {
		slog.Info("Initializing Ollama...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		ollama, err := extraction.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		generators[extraction.ModelOllama] = ollama
	}

	return extraction.NewEngine(generators), nil
}
