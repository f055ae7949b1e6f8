package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/myuser/cursordb/internal/db"
	"github.com/myuser/cursordb/internal/metrics"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve SQL over HTTP at /execute and metrics at /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDB()
			if err != nil {
				return err
			}
			defer d.Close()
			if addr == "" {
				addr = d.Config().MetricsAddr
			}
			return serve(cmd.Context(), addr, d)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, default from config")
	return cmd
}

func newMux(d *db.DB) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("sql")
		if query == "" {
			buf := new(strings.Builder)
			if _, err := io.Copy(buf, r.Body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			query = buf.String()
		}
		if strings.TrimSpace(query) == "" {
			http.Error(w, "missing sql", http.StatusBadRequest)
			return
		}
		rows, err := d.Query(r.Context(), query)
		if err != nil {
			log.Warn("execute failed", zap.String("sql", query), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	})
	return mux
}

func serve(ctx context.Context, addr string, d *db.DB) error {
	srv := &http.Server{Addr: addr, Handler: newMux(d)}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Trace(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Trace(srv.Shutdown(shutdownCtx))
}
