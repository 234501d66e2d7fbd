package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfed-dev/federation-gateway/gateway"
	"github.com/openfed-dev/federation-gateway/internal/config"
	"github.com/openfed-dev/federation-gateway/internal/telemetry"
)

const gatewayVersion = "v0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "federation-gateway",
	Short: "Federated GraphQL gateway",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of Federation Gateway",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Federation Gateway " + gatewayVersion)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a starter gateway.yaml and subgraph directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return scaffold(configPath)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Federation Gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "gateway.yaml", "path to gateway.yaml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serve(path string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load gateway config: %w", err)
	}

	gw, err := gateway.NewGateway(cfg.GatewayOption)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	graphqlHandler := http.Handler(gw)
	if cfg.Opentelemetry.TracingSetting.Enable {
		graphqlHandler = otelhttp.NewHandler(graphqlHandler, cfg.ServiceName)
	}
	if cfg.CSRF.Enabled {
		graphqlHandler = requireCSRFHeader(cfg.CSRF.HeaderName, graphqlHandler)
	}

	mux := chi.NewRouter()
	if cfg.CORS.Enable {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}
	if cfg.Health.Enabled {
		mux.Get(cfg.Health.Path, gw.HealthHandler)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "/graphql"
	}
	mux.Handle(endpoint, graphqlHandler)
	mux.Get(endpoint+"/ws", gw.SubscriptionHandler)

	var handler http.Handler = mux

	timeoutDuration, err := time.ParseDuration(cfg.TimeoutDuration)
	if err != nil {
		return fmt.Errorf("failed to parse timeout_duration: %w", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var shutdownTracer func(context.Context) error
	if cfg.Opentelemetry.TracingSetting.Enable {
		shutdownTracer, err = telemetry.InitTracer(ctx, cfg.ServiceName, gatewayVersion)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	go func() {
		slog.Info("starting gateway server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeoutDuration)
	defer cancel()

	slog.Info("shutting down gateway server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down gateway server: %w", err)
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down tracer: %w", err)
		}
	}

	slog.Info("gateway server stopped")
	return nil
}

// requireCSRFHeader rejects requests missing headerName, a defense against
// CSRF via simple cross-origin form submissions (which browsers never
// attach custom headers to) without relying on cookies or tokens.
func requireCSRFHeader(headerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerName) == "" {
			http.Error(w, "missing required CSRF prevention header", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const starterConfig = `endpoint: /graphql
service_name: federation-gateway
port: 8080
timeout_duration: 5s
enable_hang_over_request_header: true
services:
  - name: products
    host: http://localhost:4001/graphql
    schema_files:
      - subgraphs/products.graphql
  - name: reviews
    host: http://localhost:4002/graphql
    schema_files:
      - subgraphs/reviews.graphql
opentelemetry:
  tracing:
    enable: false
schema_poll:
  enabled: false
  interval: 30s
  retry:
    attempts: 3
    timeout: 5s
cors:
  enable: false
csrf:
  enabled: false
health:
  enabled: true
  path: /health
`

const starterProductsSDL = `extend schema @link(url: "https://specs.apollo.dev/federation/v2.0", import: ["@key"])

type Query {
  product(id: ID!): Product
}

type Product @key(fields: "id") {
  id: ID!
  name: String!
}
`

const starterReviewsSDL = `extend schema @link(url: "https://specs.apollo.dev/federation/v2.0", import: ["@key", "@external"])

type Query {
  reviews: [Review!]!
}

type Review @key(fields: "id") {
  id: ID!
  productId: ID! @external
  body: String!
}
`

// scaffold writes a starter gateway.yaml plus a subgraphs/ directory with two
// example SDL files, so `federation-gateway serve` has something to compose
// against right after init.
func scaffold(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := os.MkdirAll("subgraphs", 0o755); err != nil {
		return fmt.Errorf("failed to create subgraphs directory: %w", err)
	}

	if err := os.WriteFile("subgraphs/products.graphql", []byte(starterProductsSDL), 0o644); err != nil {
		return fmt.Errorf("failed to write products subgraph SDL: %w", err)
	}

	if err := os.WriteFile("subgraphs/reviews.graphql", []byte(starterReviewsSDL), 0o644); err != nil {
		return fmt.Errorf("failed to write reviews subgraph SDL: %w", err)
	}

	fmt.Printf("scaffolded %s and subgraphs/\n", path)
	return nil
}
