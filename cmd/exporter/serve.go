package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rpattn/tidyexport/internal/export"
	"github.com/rpattn/tidyexport/internal/ingestion"
	"github.com/rpattn/tidyexport/internal/middleware"
)

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve streaming conversions over HTTP",
		Long: `Serve streaming conversions over HTTP.

  POST /exports/csv?units=mg/dL   JSON array in, aggregate CSV out
  POST /exports/xlsx?units=mmol/L JSON array in, workbook out
  GET  /exports/columns           the aggregate CSV header
  POST /imports                   multipart workbook or CSV in, JSON array out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(cmd, v)
			if err != nil {
				return err
			}
			defer rt.Close()
			return serve(cmd.Context(), rt)
		},
	}

	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().StringSlice("allowed-origin", nil, "CORS allowed origins")
	mustBind(v, "server.addr", cmd.Flags().Lookup("addr"))
	mustBind(v, "server.allowedOrigins", cmd.Flags().Lookup("allowed-origin"))

	return cmd
}

func serve(ctx context.Context, rt *app) error {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   rt.cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Run-ID", "X-Import-Records"},
	})

	mux := http.NewServeMux()
	mux.Handle("/exports/", export.NewHTTPHandler(rt.service()))
	mux.Handle("/imports", ingestion.NewHTTPHandler(ingestion.NewService(rt.cache, log.Default())))

	server := &http.Server{
		Addr:        rt.cfg.Server.Addr,
		Handler:     corsHandler.Handler(middleware.LoggingMiddleware(log.Default())(mux)),
		ReadTimeout: 15 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("Starting export server on %s", rt.cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Println("Server exited")
	return nil
}
