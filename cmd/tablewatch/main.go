package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/config"
	"github.com/mehmetymw/tablewatch/internal/notifier"
	"github.com/mehmetymw/tablewatch/internal/provider/mssql"
	"github.com/mehmetymw/tablewatch/internal/provider/mysql"
	"github.com/mehmetymw/tablewatch/internal/provider/postgres"
	"github.com/mehmetymw/tablewatch/internal/sink/kafka"
	"github.com/mehmetymw/tablewatch/internal/sink/nats"
	"github.com/mehmetymw/tablewatch/internal/types"
)

type healthz struct {
	Status    string        `json:"status"`
	Tables    []tableHealth `json:"tables"`
	Timestamp string        `json:"timestamp"`
}

type tableHealth struct {
	Table             string `json:"table"`
	State             string `json:"state"`
	Position          string `json:"position"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastPollAt        string `json:"last_poll_at,omitempty"`
	LastHealth        string `json:"last_health"`
}

func main() {
	zapConfig := zap.NewProductionConfig()
	logger, _ := zapConfig.Build()
	defer logger.Sync()

	logger.Info("starting tablewatch")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("source_type", cfg.Source.Type),
		zap.Int("tables", len(cfg.Tables)),
		zap.String("sink_type", cfg.Sink.Type))

	var provider types.Provider
	switch cfg.Source.Type {
	case "postgres":
		provider = postgres.New(cfg.Source.Postgres, logger)
	case "mysql":
		provider = mysql.New(cfg.Source.MySQL, logger)
	case "mssql":
		provider = mssql.New(cfg.Source.MSSQL, logger)
	default:
		logger.Fatal("unknown source type", zap.String("type", cfg.Source.Type))
	}
	defer provider.Close()

	var sink types.Sink
	switch cfg.Sink.Type {
	case "kafka":
		sink, err = kafka.New(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.Topic, logger)
	case "nats":
		sink, err = nats.New(cfg.Sink.NATS.URL, cfg.Sink.NATS.Subject, logger)
	case "", "none":
		sink = nil
	default:
		err = errors.New("unknown sink type")
	}
	if err != nil {
		logger.Fatal("sink init failed", zap.Error(err))
	}
	if sink != nil {
		defer sink.Close()
	}

	handlers := notifier.Handlers{
		OnChanged: func(table string, batch []types.DetailedChangeRecord) {
			logger.Info("changes detected",
				zap.String("table", table), zap.Int("records", len(batch)))
			if sink == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sink.Publish(ctx, table, batch); err != nil {
				logger.Error("sink publish failed",
					zap.String("table", table), zap.Error(err))
			}
		},
		OnError: func(table, message string, cause error) {
			logger.Error("monitor error",
				zap.String("table", table), zap.String("message", message), zap.Error(cause))
		},
		OnHealthCheck: func(table string, report types.HealthReport) {
			logger.Info("health check",
				zap.String("table", table),
				zap.String("status", string(report.Status)),
				zap.Any("metrics", report.Metrics))
		},
		OnSchemaChangeDetected: func(table string, changes []types.SchemaChange) {
			for _, c := range changes {
				logger.Warn("schema change detected",
					zap.String("table", table),
					zap.String("kind", string(c.Kind)),
					zap.String("description", c.Description))
			}
		},
		OnChangeCorrelationDetected: func(table string, corr types.CorrelatedChange) {
			logger.Info("correlated change",
				zap.String("table", table),
				zap.String("related_table", corr.Related.Table),
				zap.String("type", string(corr.Type)),
				zap.Float64("confidence", corr.Confidence))
		},
	}

	engine := notifier.NewEngine(provider, handlers, notifier.Options{
		ErrorThreshold:         cfg.Monitor.ErrorThreshold,
		SchemaCheckEvery:       cfg.Monitor.SchemaCheckEvery,
		CallTimeout:            cfg.Monitor.CallTimeout,
		CorrelationWindow:      cfg.Correlation.Window,
		CorrelationRetention:   cfg.Correlation.Retention,
		CorrelationMaxPerTable: cfg.Correlation.MaxPerTable,
		CriticalTables:         cfg.CriticalTables(),
	}, logger)

	for _, fk := range cfg.ForeignKeys {
		engine.RegisterForeignKey(fk.ParentTable, fk.ParentColumn, fk.ChildTable, fk.ChildColumn, fk.Name)
		logger.Info("registered foreign key",
			zap.String("name", fk.Name),
			zap.String("parent", fk.ParentTable+"."+fk.ParentColumn),
			zap.String("child", fk.ChildTable+"."+fk.ChildColumn))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	for _, t := range cfg.Tables {
		if err := engine.Start(startCtx, t.Name, t.PollInterval, t.HealthCheckInterval); err != nil {
			startCancel()
			logger.Fatal("failed to start monitoring", zap.String("table", t.Name), zap.Error(err))
		}
	}
	startCancel()

	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		statuses := engine.Statuses()
		resp := healthz{Status: "running", Timestamp: time.Now().Format(time.RFC3339)}
		for _, st := range statuses {
			th := tableHealth{
				Table:             st.Table,
				State:             string(st.State),
				Position:          string(st.Position),
				ConsecutiveErrors: st.ConsecutiveErrors,
				LastHealth:        string(st.LastHealth),
			}
			if !st.LastPollAt.IsZero() {
				th.LastPollAt = st.LastPollAt.Format(time.RFC3339)
			}
			resp.Tables = append(resp.Tables, th)
		}
		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	})
	server := &http.Server{Addr: cfg.HTTP.Addr}
	logger.Info("starting http server", zap.String("addr", cfg.HTTP.Addr))
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("tablewatch started, waiting for signals")
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	engine.StopAll()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
