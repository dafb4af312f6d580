package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/porthorian/openguard"
	ogerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/guard"
	"github.com/porthorian/openguard/pkg/policy"
	"github.com/porthorian/openguard/pkg/storage"
	gintransport "github.com/porthorian/openguard/pkg/transport/gin"
	httptransport "github.com/porthorian/openguard/pkg/transport/http"
)

type serveConfig struct {
	Addr           string
	PolicyPath     string
	StateBackend   string
	RedisAddress   string
	StorageBackend string
	DatabaseURL    string
	SQLitePath     string
	AutoMigrate    bool
}

func init() {
	rootCmd.AddCommand(newServeCommand())
}

func newServeCommand() *cobra.Command {
	cfg := serveConfig{
		Addr:           ":8080",
		StateBackend:   string(openguard.StateBackendMemory),
		StorageBackend: string(openguard.StorageBackendNone),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo HTTP API protected by OpenGuard",
		Long: "Run a demo HTTP API protected by OpenGuard. The token secret is read from OPENGUARD_SECRET and " +
			"the demo login password from OPENGUARD_DEMO_PASSWORD; login is disabled when it is unset.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, flush, err := newLogger()
			if err != nil {
				return err
			}
			defer flush()

			client, err := newServeClient(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := client.Close(); closeErr != nil {
					logger.Error(closeErr, "failed to close openguard client")
				}
			}()

			gin.SetMode(gin.ReleaseMode)
			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           newServeEngine(client, lookupEnv("OPENGUARD_DEMO_PASSWORD")),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("serving", "addr", cfg.Addr, "state_backend", cfg.StateBackend, "storage_backend", cfg.StorageBackend)
				serveErr <- server.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Info("shutting down")
			return server.Shutdown(shutdownCtx)
		},
	}

	flags := serveCmd.Flags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address.")
	flags.StringVar(&cfg.PolicyPath, "policy", "", "Policy YAML file. Can also be set via OPENGUARD_POLICY. Defaults to the built-in policy.")
	flags.StringVar(&cfg.StateBackend, "state-backend", cfg.StateBackend, "Shared state backend: memory or redis.")
	flags.StringVar(&cfg.RedisAddress, "redis-address", "", "Redis address for the redis state backend. Can also be set via OPENGUARD_REDIS_ADDRESS.")
	flags.StringVar(&cfg.StorageBackend, "storage-backend", cfg.StorageBackend, "Audit storage backend: none, postgres or sqlite.")
	flags.StringVar(&cfg.DatabaseURL, "database-url", "", "Postgres URL for audit storage. Can also be set via OPENGUARD_DATABASE_URL.")
	flags.StringVar(&cfg.SQLitePath, "sqlite-path", "openguard-audit.db", "SQLite file for audit storage.")
	flags.BoolVar(&cfg.AutoMigrate, "auto-migrate", false, "Apply embedded postgres migrations on startup.")

	return serveCmd
}

func newServeClient(cfg serveConfig, logger logr.Logger) (*openguard.Client, error) {
	secret := lookupEnv("OPENGUARD_SECRET")
	if secret == "" {
		return nil, errors.New("missing token secret: set OPENGUARD_SECRET")
	}

	p := demoPolicy()
	policyPath := cfg.PolicyPath
	if policyPath == "" {
		policyPath = lookupEnv("OPENGUARD_POLICY")
	}
	if policyPath != "" {
		loaded, err := policy.Load(policyPath)
		if err != nil {
			return nil, err
		}
		p = loaded
	}

	redisAddress := cfg.RedisAddress
	if redisAddress == "" {
		redisAddress = lookupEnv("OPENGUARD_REDIS_ADDRESS")
	}
	databaseURL := cfg.DatabaseURL
	if databaseURL == "" {
		databaseURL = lookupEnv("OPENGUARD_DATABASE_URL")
	}

	return openguard.New(openguard.Config{
		Policy: p,
		Secret: []byte(secret),
		Logger: logger,
		Runtime: openguard.RuntimeConfig{
			State: openguard.StateConfig{
				Backend: openguard.StateBackend(cfg.StateBackend),
				Redis:   openguard.RedisStateConfig{Address: redisAddress},
			},
			Storage: openguard.StorageConfig{
				Backend:  openguard.StorageBackend(cfg.StorageBackend),
				Postgres: openguard.PostgresConfig{DSN: databaseURL, AutoMigrate: cfg.AutoMigrate},
				SQLite:   openguard.SQLiteConfig{Path: cfg.SQLitePath},
			},
		},
	})
}

// demoPolicy backs the serve command when no policy file is given.
func demoPolicy() policy.Policy {
	p := policy.Default()
	p.SuperRole = "admin"
	p.Roles = map[string]policy.RolePolicy{
		"admin":   {},
		"analyst": {Permissions: []string{"reports:read", "security:read", "audit:read"}},
		"editor":  {Permissions: []string{"reports:*"}},
		"viewer":  {Permissions: []string{"reports:read"}},
	}
	return p
}

var (
	listReportsOp     = guard.Operation{Name: "reports.list", Permission: "reports:read"}
	createReportOp    = guard.Operation{Name: "reports.create", Permission: "reports:write", Write: true, RequiredFields: []string{"title"}}
	securitySummaryOp = guard.Operation{Name: "security.summary", Permission: "security:read"}
	auditListOp       = guard.Operation{Name: "audit.list", Permission: "audit:read"}
	whoAmIOp          = guard.Operation{Name: "principal.me"}
)

type loginRequest struct {
	PrincipalID string `json:"principal_id" binding:"required"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

func newTokenResponse(result openguard.LoginResult) tokenResponse {
	return tokenResponse{
		AccessToken:      result.Tokens.AccessToken,
		RefreshToken:     result.Tokens.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  result.Tokens.AccessExpiresAt,
		RefreshExpiresAt: result.Tokens.RefreshExpiresAt,
		SessionID:        result.Session.ID,
	}
}

func newServeEngine(client *openguard.Client, demoPassword string) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/login", func(c *gin.Context) {
		var body loginRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(guard.StatusValidationError, ogerrors.CodeInvalidBody, "principal_id is required"))
			return
		}
		if demoPassword == "" || body.Password != demoPassword {
			client.RecordLoginFailure(c.Request.Context(), body.PrincipalID, c.ClientIP(), "invalid credentials")
			c.JSON(http.StatusUnauthorized, errorBody(guard.StatusUnauthorized, ogerrors.CodeUnauthenticated, "invalid credentials"))
			return
		}

		result, err := client.Login(c.Request.Context(), openguard.LoginInput{
			PrincipalID: body.PrincipalID,
			Role:        body.Role,
			IP:          c.ClientIP(),
		})
		if errors.Is(err, ogerrors.ErrUnknownRole) {
			c.JSON(http.StatusBadRequest, errorBody(guard.StatusValidationError, ogerrors.CodeInvalidBody, err.Error()))
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(guard.StatusInternalError, ogerrors.CodeOf(err), "login failed"))
			return
		}
		c.JSON(http.StatusOK, newTokenResponse(result))
	})

	engine.POST("/refresh", func(c *gin.Context) {
		var body refreshRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(guard.StatusValidationError, ogerrors.CodeInvalidBody, "refresh_token is required"))
			return
		}

		result, err := client.Refresh(c.Request.Context(), body.RefreshToken, c.ClientIP())
		if err != nil {
			code := ogerrors.CodeOf(err)
			if code == ogerrors.CodeUnknown || ogerrors.IsInternalCode(err) {
				c.JSON(http.StatusInternalServerError, errorBody(guard.StatusInternalError, code, "refresh failed"))
				return
			}
			c.JSON(http.StatusUnauthorized, errorBody(guard.StatusUnauthorized, code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, newTokenResponse(result))
	})

	engine.POST("/logout", func(c *gin.Context) {
		accessToken := httptransport.ExtractToken(c.Request, httptransport.DefaultConfig())
		if accessToken == "" {
			c.JSON(http.StatusUnauthorized, errorBody(guard.StatusUnauthorized, ogerrors.CodeTokenMissing, "token is required"))
			return
		}

		var body logoutRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, errorBody(guard.StatusValidationError, ogerrors.CodeInvalidBody, "body must be a JSON object"))
				return
			}
		}

		if err := client.Logout(c.Request.Context(), openguard.LogoutInput{AccessToken: accessToken, RefreshToken: body.RefreshToken}); err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(guard.StatusInternalError, ogerrors.CodeOf(err), "logout failed"))
			return
		}
		c.Status(http.StatusNoContent)
	})

	config := gintransport.DefaultConfig()
	g := client.Guard()

	engine.GET("/reports", gintransport.Middleware(g, listReportsOp, config), func(c *gin.Context) {
		state, _ := gintransport.State(c)
		c.JSON(http.StatusOK, gin.H{"principal": state.PrincipalID, "reports": []string{"q1", "q2"}})
	})

	engine.POST("/reports", gintransport.Middleware(g, createReportOp, config), func(c *gin.Context) {
		state, _ := gintransport.State(c)
		c.JSON(http.StatusCreated, gin.H{"created_by": state.PrincipalID, "title": state.Fields["title"]})
	})

	engine.GET("/me", gintransport.Middleware(g, whoAmIOp, config), func(c *gin.Context) {
		state, _ := gintransport.State(c)
		snapshot, found, err := client.Principal(c.Request.Context(), state.PrincipalID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(guard.StatusInternalError, ogerrors.CodeOf(err), "principal lookup failed"))
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, errorBody(guard.StatusValidationError, ogerrors.CodeUnknown, "principal is not cached"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"principal":   snapshot.PrincipalID,
			"role":        snapshot.Role,
			"permissions": snapshot.Permissions,
			"expires_at":  snapshot.ExpiresAt,
		})
	})

	engine.GET("/security/summary", gintransport.Middleware(g, securitySummaryOp, config), func(c *gin.Context) {
		c.JSON(http.StatusOK, client.Monitor().Summary())
	})

	engine.GET("/audit", gintransport.Middleware(g, auditListOp, config), func(c *gin.Context) {
		auditLog := client.AuditLog()
		if auditLog == nil {
			c.JSON(http.StatusNotFound, errorBody(guard.StatusValidationError, ogerrors.CodeNotImplemented, "audit storage is disabled"))
			return
		}

		limit, _ := strconv.Atoi(c.Query("limit"))
		records, err := auditLog.ListAudit(c.Request.Context(), storage.AuditQuery{
			PrincipalID: c.Query("principal_id"),
			Limit:       limit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(guard.StatusInternalError, ogerrors.CodeStorageUnavailable, "audit query failed"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	return engine
}

func errorBody(status guard.Status, code ogerrors.Code, message string) guard.Body {
	return guard.Body{Status: status, Code: code, Message: message}
}
