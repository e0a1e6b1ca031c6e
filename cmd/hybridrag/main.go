package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/hybridrag/internal/config"
	"github.com/xxxsen/hybridrag/internal/db"
	"github.com/xxxsen/hybridrag/internal/handler"
	"github.com/xxxsen/hybridrag/internal/metrics"
	"github.com/xxxsen/hybridrag/internal/middleware"
)

func main() {
	var (
		configPath string
		envFile    string
	)

	rootCmd := &cobra.Command{
		Use:          "hybridrag",
		Short:        "multi-tenant hybrid retrieval backend",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (.json, .yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before config expansion")

	load := func() (*config.Config, error) {
		return loadConfig(configPath, envFile)
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the http server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate requires database.driver=postgres")
			}
			ctx := cmd.Context()
			conn, err := db.Open(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer conn.Close()
			return db.ApplyMigrations(ctx, conn, migrationOptions(cfg))
		},
	}

	var (
		tenantID string
		filePath string
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "ingest one file for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.svc.IngestFile(cmd.Context(), tenantID, filepath.Base(filePath), raw)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	ingestCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (uuid)")
	ingestCmd.Flags().StringVar(&filePath, "file", "", "path to a .txt or .md file")
	_ = ingestCmd.MarkFlagRequired("tenant")
	_ = ingestCmd.MarkFlagRequired("file")

	var (
		query string
		limit int
	)
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "run a hybrid search for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			items, err := a.svc.Search(cmd.Context(), tenantID, query, limit)
			if err != nil {
				return err
			}
			return printJSON(items)
		},
	}
	searchCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (uuid)")
	searchCmd.Flags().StringVar(&query, "query", "", "query text")
	searchCmd.Flags().IntVar(&limit, "limit", 0, "max results, 0 uses retrieval.result_limit")
	_ = searchCmd.MarkFlagRequired("tenant")
	_ = searchCmd.MarkFlagRequired("query")

	rootCmd.AddCommand(runCmd, migrateCmd, ingestCmd, searchCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func loadConfig(configPath, envFile string) (*config.Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
	return cfg, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.startJobs(ctx, cfg); err != nil {
		return err
	}
	metrics.Register()

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logutil.GetLogger(ctx).Info("starting server",
		zap.String("addr", addr),
		zap.String("driver", cfg.Database.Driver),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("archive", cfg.Archive.Type),
	)

	deps := handler.RouterDeps{
		RAG:         handler.NewRAGHandler(a.svc, cfg.Ingest.MaxUploadBytes),
		AuthMode:    cfg.Auth.Mode,
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		RateLimitMS: cfg.RateLimitMS,
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.Metrics(),
			middleware.CORS(cfg.CORSAllowlist),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
