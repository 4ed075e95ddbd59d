package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicflow/followup/internal/config"
	"github.com/clinicflow/followup/internal/domain/audit"
	"github.com/clinicflow/followup/internal/domain/patient"
	"github.com/clinicflow/followup/internal/domain/procedure"
	"github.com/clinicflow/followup/internal/domain/protocol"
	"github.com/clinicflow/followup/internal/domain/treatment"
	"github.com/clinicflow/followup/internal/platform/blobstore"
	"github.com/clinicflow/followup/internal/platform/db"
	"github.com/clinicflow/followup/internal/platform/middleware"
	"github.com/clinicflow/followup/internal/platform/notification"
	"github.com/clinicflow/followup/internal/platform/telemetry"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "followup-server",
		Short: "Patient follow-up tracker for aesthetic clinics",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the follow-up API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			if cfg.StoreDriver == config.StoreSQLite {
				conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				conn.Close()
				fmt.Printf("SQLite database %s is up to date.\n", cfg.SQLitePath)
				return nil
			}

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.PostgresMigrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.StorePostgres {
				return fmt.Errorf("migrate status requires STORE_DRIVER=%s; SQLite is migrated on open", config.StorePostgres)
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.PostgresMigrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func slaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sla",
		Short: "Inspect due dates and SLA classes",
	}

	dueCmd := &cobra.Command{
		Use:   "due",
		Short: "Resolve a timing rule against a reference date and classify it",
		Example: "  followup-server sla due --reference 2024-03-01T09:00:00Z --rule delay:1:days\n" +
			"  followup-server sla due --reference 2024-03-01T09:00:00-03:00 --rule specific:2:10:00 --timezone America/Sao_Paulo",
		RunE: func(cmd *cobra.Command, args []string) error {
			reference, _ := cmd.Flags().GetString("reference")
			rule, _ := cmd.Flags().GetString("rule")
			now, _ := cmd.Flags().GetString("now")
			warning, _ := cmd.Flags().GetDuration("warning")
			tz, _ := cmd.Flags().GetString("timezone")

			res, err := resolveDue(reference, rule, now, warning, tz)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "due:       %s\n", res.Due.Format(time.RFC3339))
			fmt.Fprintf(cmd.OutOrStdout(), "sla:       %s\n", res.SLA)
			fmt.Fprintf(cmd.OutOrStdout(), "due today: %t\n", res.DueToday)
			return nil
		},
	}
	dueCmd.Flags().String("reference", "", "Reference date (RFC 3339), usually the procedure date")
	dueCmd.Flags().String("rule", "", "Timing rule, e.g. delay:3:hours or specific:7:10:00")
	dueCmd.Flags().String("now", "", "Evaluation time (RFC 3339); defaults to the current time")
	dueCmd.Flags().Duration("warning", protocol.DefaultWarningThreshold, "Warning window before the due date")
	dueCmd.Flags().String("timezone", "UTC", "Clinic time zone")
	_ = dueCmd.MarkFlagRequired("reference")
	_ = dueCmd.MarkFlagRequired("rule")
	cmd.AddCommand(dueCmd)

	return cmd
}

type dueResult struct {
	Due      time.Time
	SLA      protocol.SLAStatus
	DueToday bool
}

// resolveDue resolves rule against reference in the clinic time zone, the
// same way treatment views do.
func resolveDue(reference, rule, now string, warning time.Duration, tz string) (dueResult, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return dueResult{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	ref, err := time.Parse(time.RFC3339, reference)
	if err != nil {
		return dueResult{}, fmt.Errorf("invalid reference date: %w", err)
	}
	r, err := protocol.ParseTimingRule(rule)
	if err != nil {
		return dueResult{}, err
	}
	at := time.Now()
	if now != "" {
		if at, err = time.Parse(time.RFC3339, now); err != nil {
			return dueResult{}, fmt.Errorf("invalid --now: %w", err)
		}
	}

	due, err := protocol.ResolveDueDate(ref.In(loc), r)
	if err != nil {
		return dueResult{}, err
	}
	c := protocol.NewClassifier(warning, loc)
	return dueResult{Due: due, SLA: c.Classify(due, at), DueToday: c.DueToday(due, at)}, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores bundles the repositories of the selected driver.
type stores struct {
	patients   patient.PatientRepository
	procedures procedure.ProcedureRepository
	audit      audit.AuditRepository
	treatments treatment.TreatmentRepository
	tx         db.TxRunner
	health     echo.HandlerFunc
	close      func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite database")
		return sqliteStores(conn), nil
	default:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		count, err := db.NewMigrator(pool, db.PostgresMigrations()).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied_migrations", count).Msg("connected to database")
		return &stores{
			patients:   patient.NewPatientRepoPG(pool),
			procedures: procedure.NewProcedureRepoPG(pool),
			audit:      audit.NewAuditRepoPG(pool),
			treatments: treatment.NewTreatmentRepoPG(pool),
			tx:         db.NewPGTxRunner(pool),
			health:     db.HealthHandler(pool),
			close:      pool.Close,
		}, nil
	}
}

func sqliteStores(conn *sql.DB) *stores {
	return &stores{
		patients:   patient.NewPatientRepoSQLite(conn),
		procedures: procedure.NewProcedureRepoSQLite(conn),
		audit:      audit.NewAuditRepoSQLite(conn),
		treatments: treatment.NewTreatmentRepoSQLite(conn),
		tx:         db.NewSQLTxRunner(conn),
		health:     db.SQLiteHealthHandler(conn),
		close:      func() { conn.Close() },
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, bool, error) {
	if cfg.BlobDriver == config.BlobS3 {
		store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.BlobPublicBaseURL,
		})
		return store, false, err
	}
	return blobstore.NewInMemoryBlobStore(cfg.BlobPublicBaseURL), true, nil
}

// app is a fully wired server.
type app struct {
	echo    *echo.Echo
	sweeper *treatment.Sweeper
	stores  *stores
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	blobs, serveLocal, err := openBlobStore(ctx, cfg)
	if err != nil {
		st.close()
		return nil, fmt.Errorf("blob store: %w", err)
	}

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "followup-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})

	// Services
	patientSvc := patient.NewService(st.patients)
	procedureSvc := procedure.NewService(st.procedures)
	auditSvc := audit.NewService(st.audit)
	treatmentSvc := treatment.NewService(st.treatments, patientSvc, procedureSvc, auditSvc, st.tx, logger)
	treatmentSvc.SetClassifier(protocol.NewClassifier(cfg.SLAWarningThreshold, loc))
	treatmentSvc.SetRetries(cfg.MutationRetries)
	treatmentSvc.SetRenderer(notification.NewRenderer(cfg.ClinicName, cfg.PhoneCountryCode))
	treatmentSvc.SetBlobStore(blobs)
	treatmentSvc.SetMetrics(tp)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if cfg.MetricsEnabled {
		e.Use(tp.MetricsMiddleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", st.health)
	if cfg.MetricsEnabled {
		e.GET("/metrics", tp.PrometheusHandler())
	}
	if serveLocal {
		blobstore.NewBlobHandler(blobs).RegisterRoutes(e, "/media")
	}

	// API
	apiV1 := e.Group("/api/v1")
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	procedure.NewHandler(procedureSvc).RegisterRoutes(apiV1)
	treatment.NewHandler(treatmentSvc).RegisterRoutes(apiV1)

	return &app{
		echo:    e,
		sweeper: treatment.NewSweeper(treatmentSvc, cfg.SLASweepInterval, logger),
		stores:  st,
	}, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise server")
	}
	defer a.stores.close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("blobs", cfg.BlobDriver).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
