package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sjifire/backoffice/pkg/authserver"
	"github.com/sjifire/backoffice/pkg/authserver/idp"
	"github.com/sjifire/backoffice/pkg/authserver/storage"
	"github.com/sjifire/backoffice/pkg/authserver/upstream"
	"github.com/sjifire/backoffice/pkg/logger"
	"github.com/sjifire/backoffice/pkg/mcp"
)

const (
	defaultGracefulTimeout  = 30 * time.Second
	serverReadHeaderTimeout = 10 * time.Second // Prevent Slowloris attacks
)

// newServeCmd creates the serve command for starting the back-office server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the back-office MCP server",
		Long: `Start the authorization server and the MCP tool endpoint on a single
listener. OAuth endpoints are served under /oauth, server metadata under
/.well-known/oauth-authorization-server, and the authenticated MCP endpoint
at /mcp.`,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.String("address", ":8080", "Address to listen on")
	flags.String("issuer", "", "External base URL of this server (required)")
	flags.String("entra-tenant-id", "", "Entra ID tenant (required)")
	flags.String("entra-client-id", "", "Entra ID application client ID (required)")
	flags.String("entra-client-secret", "", "Entra ID application client secret")
	flags.String("officer-group-id", "", "Directory group object ID for officer-only tools")
	flags.StringSlice("scopes", []string{"mcp.access"}, "Scopes clients may request")
	flags.String("redis-addr", "", "Redis host:port for shared state (empty uses in-memory state)")
	flags.String("redis-password", "", "Redis password")
	flags.String("redis-prefix", "sjifire:auth:", "Redis key prefix")

	for _, name := range []string{
		"address", "issuer", "entra-tenant-id", "entra-client-id",
		"entra-client-secret", "officer-group-id", "scopes",
		"redis-addr", "redis-password", "redis-prefix",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	issuer := viper.GetString("issuer")
	tenantID := viper.GetString("entra-tenant-id")
	clientID := viper.GetString("entra-client-id")
	if issuer == "" || tenantID == "" || clientID == "" {
		return fmt.Errorf("issuer, entra-tenant-id, and entra-client-id are required")
	}
	address := viper.GetString("address")

	store, err := buildStore(ctx)
	if err != nil {
		return err
	}

	upstreamConfig, err := upstream.EntraConfig(
		tenantID,
		clientID,
		viper.GetString("entra-client-secret"),
		issuer+"/oauth/callback",
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to build upstream configuration: %w", err)
	}

	upstreamProvider, err := upstream.NewProvider(upstreamConfig)
	if err != nil {
		return fmt.Errorf("failed to create upstream provider: %w", err)
	}

	validator, err := idp.NewValidator(ctx, &idp.Config{
		Issuer:   upstreamConfig.Issuer,
		Audience: clientID,
		JWKSURL:  upstreamConfig.JWKSURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create id_token validator: %w", err)
	}

	provider, err := authserver.NewProvider(&authserver.Config{
		Issuer:          issuer,
		ResourceURL:     issuer + mcp.EndpointPath,
		SupportedScopes: viper.GetStringSlice("scopes"),
	}, store, upstreamProvider, validator)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}

	mcpServer, err := mcp.New(provider, &mcp.Config{
		OfficerGroupID: viper.GetString("officer-group-id"),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Handle(mcp.EndpointPath, mcpServer.Handler())
	router.Mount("/", authserver.NewHandler(provider).Routes())

	// WriteTimeout stays unset: the MCP endpoint holds streaming responses
	// open for the lifetime of the session.
	server := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}

	go func() {
		logger.Infof("Server listening on %s (issuer %s)", address, issuer)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

// buildStore selects the shared Redis backend when an address is configured
// and falls back to in-process state for single-replica deployments.
func buildStore(ctx context.Context) (storage.Store, error) {
	redisAddr := viper.GetString("redis-addr")
	if redisAddr == "" {
		logger.Info("Using in-memory state store")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.NewRedisStore(ctx, storage.RedisConfig{
		Addr:      redisAddr,
		Password:  viper.GetString("redis-password"),
		KeyPrefix: viper.GetString("redis-prefix"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Infof("Using redis state store at %s", redisAddr)
	return store, nil
}
