package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/wardseal/internal/events"
	"github.com/dhawalhost/wardseal/internal/identitystore"
	"github.com/dhawalhost/wardseal/internal/identitystore/connectors/ldap"
	"github.com/dhawalhost/wardseal/internal/identitystore/connectors/sqlstore"
	"github.com/dhawalhost/wardseal/internal/identitystore/credentials/password"
	"github.com/dhawalhost/wardseal/internal/identitystore/credentials/totp"
	"github.com/dhawalhost/wardseal/internal/webhooks"
	"github.com/dhawalhost/wardseal/pkg/database"
	"github.com/dhawalhost/wardseal/pkg/logger"
	"github.com/dhawalhost/wardseal/pkg/middleware"
	"github.com/dhawalhost/wardseal/pkg/observability"
)

// prometheusMiddleware records the request counter and latency histogram of
// observability.Metrics for every gin request, labelled by method and the
// matched route template.
func prometheusMiddleware(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RequestsTotal.With(prometheus.Labels{"method": c.Request.Method, "path": path}).Inc()
		metrics.RequestDuration.With(prometheus.Labels{"method": c.Request.Method, "path": path}).Observe(time.Since(start).Seconds())
	}
}

// identityClaims is the default mapping table for the "local" domain: a
// username and email claim backed by a single Postgres-attribute store, and
// a display-name claim backed by LDAP when an LDAP connector id is given
// (WARDSEAL_LDAP_URL is set and the connector came up).
func identityClaims(sqlConnectorID, ldapConnectorID string) []identitystore.MetaClaimMapping {
	mappings := []identitystore.MetaClaimMapping{
		{
			MetaClaim:           identitystore.MetaClaim{ClaimURI: identitystore.UsernameClaim, Unique: true},
			IdentityConnectorID: sqlConnectorID,
			AttributeName:       "username",
			Unique:              true,
		},
		{
			MetaClaim:           identitystore.MetaClaim{ClaimURI: "http://wso2.org/claims/emailaddress"},
			IdentityConnectorID: sqlConnectorID,
			AttributeName:       "email",
		},
	}
	if ldapConnectorID != "" {
		mappings = append(mappings, identitystore.MetaClaimMapping{
			MetaClaim:           identitystore.MetaClaim{ClaimURI: "http://wso2.org/claims/displayname"},
			IdentityConnectorID: ldapConnectorID,
			AttributeName:       "displayName",
		})
	}
	return mappings
}

func main() {
	log := logger.NewFromEnv()
	defer log.Sync()

	dbConfig := database.Config{
		Host:     envOr("DB_HOST", "localhost"),
		Port:     5432,
		User:     envOr("DB_USER", "user"),
		Password: envOr("DB_PASSWORD", "password"),
		DBName:   envOr("DB_NAME", "identity_platform"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),
	}
	rawDB, err := database.NewConnection(dbConfig)
	if err != nil {
		log.Error("failed to connect to database", zap.Error(err))
		os.Exit(1)
	}
	db := sqlx.NewDb(rawDB, "postgres")

	sqlConnector := sqlstore.New("sqlstore", db)
	passwordConnector := password.New("password", db)
	totpConnector := totp.New("totp", db)

	identityConnectors := []identitystore.IdentityConnector{sqlConnector}
	var ldapConnectorID string
	if ldapURL := os.Getenv("WARDSEAL_LDAP_URL"); ldapURL != "" {
		ldapConnector, err := ldap.New(ldap.Config{
			ID:           "ldap",
			Endpoint:     ldapURL,
			BindDN:       os.Getenv("WARDSEAL_LDAP_BIND_DN"),
			BindPassword: os.Getenv("WARDSEAL_LDAP_BIND_PASSWORD"),
			BaseDN:       os.Getenv("WARDSEAL_LDAP_BASE_DN"),
			RDNAttribute: "uid",
		})
		if err != nil {
			log.Warn("ldap connector unavailable, continuing without it", zap.Error(err))
		} else {
			identityConnectors = append(identityConnectors, ldapConnector)
			ldapConnectorID = ldapConnector.ID()
		}
	}

	resolver := identitystore.NewSQLResolver(db)
	localDomain := identitystore.NewDomain(
		"local",
		0,
		identityConnectors,
		[]identitystore.CredentialConnector{passwordConnector, totpConnector},
		identityClaims(sqlConnector.ID(), ldapConnectorID),
		resolver,
	)

	registry, err := identitystore.NewDomainRegistry([]*identitystore.Domain{localDomain})
	if err != nil {
		log.Error("failed to build domain registry", zap.Error(err))
		os.Exit(1)
	}

	webhookSvc := webhooks.NewService(db)
	dispatcher := events.NewDispatcher(webhookSvc, log)

	store := identitystore.NewVirtualStore(registry, log, identitystore.WithEventDispatcher(dispatcher))

	tokenSigningKey := []byte(envOr("WARDSEAL_IDENTITY_JWT_SECRET", "dev-only-secret-change-me"))
	handler := identitystore.NewHTTPHandler(store, log, tokenSigningKey, "wardseal-identitysvc")

	router := gin.Default()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName:    "identitysvc",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
	}, log)
	if err != nil {
		log.Error("failed to initialize tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	metrics := observability.NewMetrics()
	router.Use(otelgin.Middleware("identitysvc"))
	router.Use(prometheusMiddleware(metrics))
	router.Use(logger.RequestLogger(log))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.RateLimitMiddleware(rate.Limit(20), 40))

	router.GET("/metrics", gin.WrapH(observability.Handler()))

	handler.RegisterRoutes(router)

	addr := ":" + envOr("PORT", "8085")
	log.Info("HTTP server starting", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		log.Error("HTTP server failed", zap.Error(err))
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
