package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/openfed-dev/federation-gateway/federation/auth"
	"github.com/openfed-dev/federation-gateway/federation/entitycache"
	"github.com/openfed-dev/federation-gateway/federation/executor"
	"github.com/openfed-dev/federation-gateway/federation/graph"
	"github.com/openfed-dev/federation-gateway/federation/headers"
	"github.com/openfed-dev/federation-gateway/federation/operation"
	"github.com/openfed-dev/federation-gateway/federation/planner"
	"github.com/openfed-dev/federation-gateway/federation/ratelimit"
	"github.com/openfed-dev/federation-gateway/federation/retry"
	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type GatewayService struct {
	Name        string   `yaml:"name"`
	Host        string   `yaml:"host"`
	SchemaFiles []string `yaml:"schema_files"`
}

type GatewayOption struct {
	Endpoint                    string                 `yaml:"endpoint"`
	ServiceName                 string                 `yaml:"service_name"`
	Port                        int                    `yaml:"port"`
	TimeoutDuration             string                 `yaml:"timeout_duration" default:"5s"`
	EnableHangOverRequestHeader bool                   `yaml:"enable_hang_over_request_header" default:"true"`
	Services                    []GatewayService       `yaml:"services"`
	// ComposedSchemaFiles, when set, points at a single already-composed
	// supergraph SDL (join__graph/join__type/join__field/@link directives)
	// instead of per-subgraph raw SDLs, and takes precedence over Services.
	ComposedSchemaFiles         []string               `yaml:"composed_schema_files"`
	Opentelemetry               OpentelemetrySetting   `yaml:"opentelemetry"`
	RateLimit                   RateLimitSetting       `yaml:"rate_limit"`
	EntityCache                 EntityCacheSetting     `yaml:"entity_cache"`
	Auth                        AuthSetting            `yaml:"auth"`
	Headers                     []HeaderRuleSetting    `yaml:"headers"`
	OperationLimits             OperationLimitsSetting `yaml:"operation_limits"`
	RetryBudgets                map[string]RetryBudgetSetting `yaml:"retry_budgets"`
	SchemaPoll                  SchemaPollSetting      `yaml:"schema_poll"`
}

// SchemaPollSetting drives periodic `_service{sdl}` re-composition, so a
// subgraph can evolve its schema without a gateway restart.
type SchemaPollSetting struct {
	Enabled  bool        `yaml:"enabled" default:"false"`
	Interval string      `yaml:"interval" default:"30s"`
	Retry    RetryOption `yaml:"retry"`
}

type OpentelemetrySetting struct {
	TracingSetting OpentelemetryTracingSetting `yaml:"tracing"`
}

type OpentelemetryTracingSetting struct {
	Enable bool `yaml:"enable" default:"false"`
}

// RateLimitSetting configures token-bucket limiting, global and per-subgraph.
type RateLimitSetting struct {
	Enabled      bool   `yaml:"enabled" default:"false"`
	Limit        int    `yaml:"limit"`
	Duration     string `yaml:"duration" default:"1s"`
	RedisAddress string `yaml:"redis_address"`
}

// EntityCacheSetting configures the fingerprint entity cache.
type EntityCacheSetting struct {
	Enabled      bool   `yaml:"enabled" default:"false"`
	TTL          string `yaml:"ttl" default:"60s"`
	MaxEntries   int    `yaml:"max_entries" default:"10000"`
	RedisAddress string `yaml:"redis_address"`
}

// AuthSetting configures JWT bearer authentication against a JWKS endpoint.
type AuthSetting struct {
	Enabled  bool   `yaml:"enabled" default:"false"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// HeaderRuleSetting is a single rule of the ordered header forward/rewrite
// engine applied to every outbound subgraph request.
type HeaderRuleSetting struct {
	Rule          string `yaml:"rule"` // forward | insert | remove | rename_duplicate
	Name          string `yaml:"name"`
	IsPattern     bool   `yaml:"is_pattern"`
	Default       string `yaml:"default,omitempty"`
	Value         string `yaml:"value,omitempty"`
	Rename        string `yaml:"rename,omitempty"`
}

// OperationLimitsSetting bounds the shape of accepted client operations.
type OperationLimitsSetting struct {
	MaxDepth      int `yaml:"max_depth" default:"0"`
	MaxHeight     int `yaml:"max_height" default:"0"`
	MaxAliases    int `yaml:"max_aliases" default:"0"`
	MaxRootFields int `yaml:"max_root_fields" default:"0"`
	MaxComplexity int `yaml:"max_complexity" default:"0"`
}

// RetryBudgetSetting configures one subgraph's decaying retry budget (§4.8).
type RetryBudgetSetting struct {
	MinPerSecond   float64 `yaml:"min_per_second"`
	TTL            string  `yaml:"ttl" default:"10s"`
	RetryPercent   float64 `yaml:"retry_percent" default:"1"`
	RetryMutations bool    `yaml:"retry_mutations" default:"false"`
}

type gateway struct {
	graphQLEndpoint string
	serviceName     string

	store         atomic.Value // *executionEngine
	buildExecutor func(*graph.SuperGraph) *executor.Executor
	httpClient    *http.Client
	services      []GatewayService
	schemaPoll    SchemaPollSetting
	stopPoll      chan struct{}

	authRegistry    *auth.Registry
	operationLimits operation.Limits

	enableComplementRequestId   bool
	enableHangOverRequestHeader bool
	enableOpentelemetryTracing  bool
}

// currentEngine returns the actively-served planner/executor/superGraph
// triple. Safe for concurrent use with schema reloads.
func (g *gateway) currentEngine() *executionEngine {
	return g.store.Load().(*executionEngine)
}

var _ http.Handler = (*gateway)(nil)

func NewGateway(settings GatewayOption) (*gateway, error) {
	var superGraph *graph.SuperGraph
	if len(settings.ComposedSchemaFiles) > 0 {
		var composed []byte
		for _, f := range settings.ComposedSchemaFiles {
			src, err := os.ReadFile(f)
			if err != nil {
				return nil, err
			}
			composed = append(composed, src...)
		}

		sg, err := graph.NewSuperGraphFromComposedSDL(composed)
		if err != nil {
			return nil, err
		}
		superGraph = sg
	} else {
		var subGraphs []*graph.SubGraph
		for _, s := range settings.Services {
			var schema []byte
			for _, f := range s.SchemaFiles {
				src, err := os.ReadFile(f)
				if err != nil {
					return nil, err
				}
				schema = append(schema, src...)
			}

			subGraph, err := graph.NewSubGraph(s.Name, schema, s.Host)
			if err != nil {
				return nil, err
			}

			subGraphs = append(subGraphs, subGraph)
		}

		sg, err := graph.NewSuperGraph(subGraphs)
		if err != nil {
			return nil, err
		}
		superGraph = sg
	}

	// Create HTTP client with timeout for subgraph requests
	httpClient := &http.Client{
		Timeout: 3 * time.Second, // 3 second timeout for subgraph requests
	}

	if settings.Opentelemetry.TracingSetting.Enable {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	var headerEngine *headers.Engine
	if len(settings.Headers) > 0 {
		rules := make([]headers.Rule, 0, len(settings.Headers))
		for _, h := range settings.Headers {
			rules = append(rules, headers.Rule{
				Kind:          headers.RuleKind(h.Rule),
				NameOrPattern: h.Name,
				IsPattern:     h.IsPattern,
				Default:       h.Default,
				Rename:        h.Rename,
				Value:         h.Value,
			})
		}
		headerEngine = headers.New(rules)
	}

	var limiter ratelimit.Limiter
	if settings.RateLimit.Enabled {
		duration, err := time.ParseDuration(settings.RateLimit.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid rate_limit.duration %q: %w", settings.RateLimit.Duration, err)
		}
		if settings.RateLimit.RedisAddress != "" {
			client := goredis.NewClient(&goredis.Options{Addr: settings.RateLimit.RedisAddress})
			limiter = ratelimit.NewRedis(&ratelimit.RedisAdapter{Client: client}, settings.RateLimit.Limit, duration, settings.ServiceName)
		} else {
			limiter = ratelimit.NewLocal(settings.RateLimit.Limit, duration)
		}
	}

	var entityCache *entitycache.Cache
	var entityCacheTTL time.Duration
	if settings.EntityCache.Enabled {
		ttl, err := time.ParseDuration(settings.EntityCache.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid entity_cache.ttl %q: %w", settings.EntityCache.TTL, err)
		}
		var store entitycache.Store
		if settings.EntityCache.RedisAddress != "" {
			client := goredis.NewClient(&goredis.Options{Addr: settings.EntityCache.RedisAddress})
			store = entitycache.NewRedisStore(client, settings.ServiceName)
		} else {
			store = entitycache.NewLRU(settings.EntityCache.MaxEntries, 0)
		}
		entityCache = entitycache.New(store)
		entityCacheTTL = ttl
	}

	var retryManager *retry.Manager
	if len(settings.RetryBudgets) > 0 {
		configs := make(map[string]retry.Config, len(settings.RetryBudgets))
		for subgraph, b := range settings.RetryBudgets {
			ttl, err := time.ParseDuration(b.TTL)
			if err != nil {
				return nil, fmt.Errorf("invalid retry_budgets[%s].ttl %q: %w", subgraph, b.TTL, err)
			}
			configs[subgraph] = retry.Config{
				MinPerSecond:   b.MinPerSecond,
				TTL:            ttl,
				RetryPercent:   b.RetryPercent,
				RetryMutations: b.RetryMutations,
			}
		}
		retryManager = retry.NewManager(configs)
	}

	buildExecutor := func(sg *graph.SuperGraph) *executor.Executor {
		e := executor.NewExecutor(httpClient, sg)
		if headerEngine != nil {
			e = e.WithHeaderEngine(headerEngine)
		}
		if limiter != nil {
			e = e.WithRateLimiter(limiter)
		}
		if entityCache != nil {
			e = e.WithEntityCache(entityCache, entityCacheTTL)
		}
		if retryManager != nil {
			e = e.WithRetryManager(retryManager)
		}
		return e
	}

	var authRegistry *auth.Registry
	if settings.Auth.Enabled {
		provider := auth.NewProvider(auth.ProviderConfig{
			Name:     settings.ServiceName,
			JWKSURL:  settings.Auth.JWKSURL,
			Issuer:   settings.Auth.Issuer,
			Audience: settings.Auth.Audience,
		}, http.DefaultClient)
		if err := provider.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to start auth provider: %w", err)
		}
		authRegistry = auth.NewRegistry([]*auth.Provider{provider})
	}

	gw := &gateway{
		graphQLEndpoint: settings.Endpoint,
		serviceName:     settings.ServiceName,
		buildExecutor:   buildExecutor,
		httpClient:      httpClient,
		services:        settings.Services,
		schemaPoll:      settings.SchemaPoll,
		stopPoll:        make(chan struct{}),
		authRegistry:    authRegistry,
		operationLimits: operation.Limits{
			MaxDepth:      settings.OperationLimits.MaxDepth,
			MaxHeight:     settings.OperationLimits.MaxHeight,
			MaxAliases:    settings.OperationLimits.MaxAliases,
			MaxRootFields: settings.OperationLimits.MaxRootFields,
			MaxComplexity: settings.OperationLimits.MaxComplexity,
		},
		enableComplementRequestId:   true,
		enableHangOverRequestHeader: settings.EnableHangOverRequestHeader,
		enableOpentelemetryTracing:  settings.Opentelemetry.TracingSetting.Enable,
	}

	gw.store.Store(&executionEngine{
		planner:    planner.NewPlanner(superGraph),
		executor:   buildExecutor(superGraph),
		superGraph: superGraph,
	})

	if settings.SchemaPoll.Enabled {
		interval, err := time.ParseDuration(settings.SchemaPoll.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid schema_poll.interval %q: %w", settings.SchemaPoll.Interval, err)
		}
		go gw.pollSchema(interval, settings.SchemaPoll.Retry)
	}

	return gw, nil
}

// pollSchema periodically re-fetches every subgraph's SDL via `_service{sdl}`
// and, on success, swaps in a freshly composed engine. A failed fetch or
// composition leaves the currently served engine untouched.
func (g *gateway) pollSchema(interval time.Duration, retryOpt RetryOption) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopPoll:
			return
		case <-ticker.C:
			g.reloadSchema(retryOpt)
		}
	}
}

// reloadSchema fetches the current SDL from every configured subgraph,
// recomposes the supergraph, and atomically swaps the served engine.
func (g *gateway) reloadSchema(retryOpt RetryOption) {
	sdls := make(map[string]string, len(g.services))
	hosts := make(map[string]string, len(g.services))

	for _, svc := range g.services {
		sdl, err := fetchSDL(svc.Host, g.httpClient, retryOpt)
		if err != nil {
			slog.Warn("schema poll failed to fetch SDL", "subgraph", svc.Name, "error", err)
			return
		}
		sdls[svc.Name] = sdl
		hosts[svc.Name] = svc.Host
	}

	engine, err := buildEngine(sdls, hosts, g.httpClient)
	if err != nil {
		slog.Warn("schema poll failed to recompose supergraph", "error", err)
		return
	}
	engine.executor = g.buildExecutor(engine.superGraph)

	g.store.Store(engine)
	slog.Info("schema poll reloaded supergraph")
}

// Stop halts the background schema poller, if running.
func (g *gateway) Stop() {
	select {
	case <-g.stopPoll:
	default:
		close(g.stopPoll)
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if g.authRegistry != nil {
		if _, _, err := g.authRegistry.Authenticate(r.Header); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{
					{
						"message":    err.Error(),
						"extensions": map[string]string{"code": "UNAUTHENTICATED"},
					},
				},
			})
			return
		}
	}

	engine := g.currentEngine()

	ctx := r.Context()
	if g.enableHangOverRequestHeader {
		ctx = executor.SetRequestHeaderToContext(ctx, r.Header)
	}

	l := lexer.New(req.Query)
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": p.Errors(),
		})
		return
	}

	// Validate @inaccessible fields
	if err := g.validateAccessibility(doc, engine.superGraph); err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{
				{
					"message":    err.Error(),
					"extensions": map[string]string{"code": "INACCESSIBLE_FIELD"},
				},
			},
		})
		return
	}

	if op := firstOperation(doc); op != nil && g.operationLimits != (operation.Limits{}) {
		inliner := operation.NewInliner(doc)
		inlined, err := inliner.Inline(op.SelectionSet)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []string{err.Error()},
			})
			return
		}
		if err := operation.Validate(inlined, g.operationLimits); err != nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{
					{
						"message":    err.Error(),
						"extensions": map[string]string{"code": "OPERATION_LIMIT_EXCEEDED"},
					},
				},
			})
			return
		}
	}

	// PlanOptimized subsumes Plan: it takes the same fast path Plan takes
	// when every root field belongs to one subgraph, and otherwise runs the
	// Dijkstra/@provides-aware pass so @provides-eliminated follow-up
	// fetches actually reach production requests instead of only its own tests.
	plan, err := engine.planner.PlanOptimized(doc, req.Variables)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []string{err.Error()},
		})
		return
	}

	resp, err := engine.executor.Execute(ctx, plan, req.Variables)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []string{err.Error()},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *gateway) Start(port int) error {
	fmt.Printf("Gateway started on port %d\n", port)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), g)
}

// Healthy reports whether the gateway is ready to serve: the supergraph is
// loaded and, if authentication is configured, every provider has a
// current JWKS.
func (g *gateway) Healthy() bool {
	engine, ok := g.store.Load().(*executionEngine)
	if !ok || engine == nil || engine.superGraph == nil {
		return false
	}
	if g.authRegistry != nil && !g.authRegistry.Healthy() {
		return false
	}
	return true
}

// HealthHandler serves the /health endpoint: 200 when Healthy, 503
// otherwise.
func (g *gateway) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !g.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// firstOperation returns the document's first operation definition, or nil
// for a document containing only fragment definitions.
func firstOperation(doc *ast.Document) *ast.OperationDefinition {
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op
		}
	}
	return nil
}

// validateAccessibility validates that no @inaccessible fields are queried.
func (g *gateway) validateAccessibility(doc *ast.Document, superGraph *graph.SuperGraph) error {
	for _, def := range doc.Definitions {
		if opDef, ok := def.(*ast.OperationDefinition); ok {
			rootTypeName := "Query"
			switch opDef.Operation {
			case ast.Query:
				rootTypeName = "Query"
			case ast.Mutation:
				rootTypeName = "Mutation"
			case ast.Subscription:
				rootTypeName = "Subscription"
			}

			if err := g.validateSelectionSet(opDef.SelectionSet, rootTypeName, superGraph); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateSelectionSet recursively validates selections.
func (g *gateway) validateSelectionSet(selSet []ast.Selection, parentTypeName string, superGraph *graph.SuperGraph) error {
	if selSet == nil {
		return nil
	}

	for _, sel := range selSet {
		switch s := sel.(type) {
		case *ast.Field:
			fieldName := s.Name.String()

			// Skip introspection fields
			if fieldName == "__typename" || fieldName == "__schema" || fieldName == "__type" {
				continue
			}

			// Check if field is inaccessible
			if err := g.checkFieldAccessibility(parentTypeName, fieldName, superGraph); err != nil {
				return err
			}

			// Get the field type for recursive validation
			nextTypeName := g.getFieldTypeName(parentTypeName, fieldName, superGraph)
			if nextTypeName != "" {
				if err := g.validateSelectionSet(s.SelectionSet, nextTypeName, superGraph); err != nil {
					return err
				}
			}

		case *ast.FragmentSpread:
			// Handle fragment spreads
			// For now, skip validation in fragments
			// TODO: Implement fragment validation

		case *ast.InlineFragment:
			// Handle inline fragments
			typeCondition := ""
			if s.TypeCondition != nil {
				typeCondition = s.TypeCondition.String()
			}
			if typeCondition == "" {
				typeCondition = parentTypeName
			}
			if err := g.validateSelectionSet(s.SelectionSet, typeCondition, superGraph); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkFieldAccessibility checks if a field is inaccessible.
func (g *gateway) checkFieldAccessibility(typeName, fieldName string, superGraph *graph.SuperGraph) error {
	for _, subGraph := range superGraph.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists {
			if field, ok := entity.Fields[fieldName]; ok {
				if field.IsInaccessible() {
					return fmt.Errorf("Cannot query field \"%s\" on type \"%s\"", fieldName, typeName)
				}
			}
		}

		// Also check non-entity types in the schema
		for _, def := range subGraph.Schema.Definitions {
			if objDef, ok := def.(*ast.ObjectTypeDefinition); ok {
				if objDef.Name.String() == typeName {
					for _, f := range objDef.Fields {
						if f.Name.String() == fieldName {
							// Check for @inaccessible directive
							for _, d := range f.Directives {
								if d.Name == "inaccessible" {
									return fmt.Errorf("Cannot query field \"%s\" on type \"%s\"", fieldName, typeName)
								}
							}
						}
					}
				}
			}
		}
	}

	return nil
}

// getFieldTypeName returns the type name of a field.
func (g *gateway) getFieldTypeName(typeName, fieldName string, superGraph *graph.SuperGraph) string {
	for _, def := range superGraph.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok {
			if objDef.Name.String() == typeName {
				for _, field := range objDef.Fields {
					if field.Name.String() == fieldName {
						return g.unwrapTypeName(field.Type)
					}
				}
			}
		}
	}
	return ""
}

// unwrapTypeName extracts the base type name from a type.
func (g *gateway) unwrapTypeName(t ast.Type) string {
	switch typ := t.(type) {
	case *ast.NamedType:
		return typ.Name.String()
	case *ast.ListType:
		return g.unwrapTypeName(typ.Type)
	case *ast.NonNullType:
		return g.unwrapTypeName(typ.Type)
	}
	return ""
}
