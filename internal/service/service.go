/*
	HTTP surface of the daemon. One unauthenticated endpoint issues network
	challenges; every other route is an authenticated RPC carrying a signed
	JSON body. Routes are grouped into rate-limit categories, each with its own
	per-IP token bucket.
*/

package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/omnia-network/omnia-core/config"
	"github.com/omnia-network/omnia-core/internal/accesskey"
	"github.com/omnia-network/omnia-core/internal/challenge"
	"github.com/omnia-network/omnia-core/internal/registry"
	"github.com/omnia-network/omnia-core/principal"
)

const apiPrefix = "/omnia/api/v1"

type Config struct {
	Logger     *slog.Logger
	Cfg        *config.Config
	Identity   principal.Identity
	Challenges *challenge.Tracker
	Registry   *registry.Registry
	AccessKeys *accesskey.Manager
}

type Core struct {
	appCtx     context.Context
	logger     *slog.Logger
	cfg        *config.Config
	identity   principal.Identity
	challenges *challenge.Tracker
	registry   *registry.Registry
	accessKeys *accesskey.Manager
	mux        *http.ServeMux

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
}

func New(ctx context.Context, cfg Config) *Core {
	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := cfg.Logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func(category string, rlConfig config.RateLimiterConfig) {
		if rlConfig.Limit <= 0 {
			return
		}
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		rateLimiters[category] = cache
		rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	makeCategoryRateLimiter("challenge", cfg.Cfg.RateLimiters.Challenge)
	makeCategoryRateLimiter("registry", cfg.Cfg.RateLimiters.Registry)
	makeCategoryRateLimiter("accessKeys", cfg.Cfg.RateLimiters.AccessKeys)
	makeCategoryRateLimiter("default", cfg.Cfg.RateLimiters.Default)

	core := &Core{
		appCtx:       ctx,
		logger:       cfg.Logger.WithGroup("service"),
		cfg:          cfg.Cfg,
		identity:     cfg.Identity,
		challenges:   cfg.Challenges,
		registry:     cfg.Registry,
		accessKeys:   cfg.AccessKeys,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
	}
	core.registerRoutes()
	return core
}

func (c *Core) rateLimiterConfig(category string) config.RateLimiterConfig {
	switch category {
	case "challenge":
		return c.cfg.RateLimiters.Challenge
	case "registry":
		return c.cfg.RateLimiters.Registry
	case "accessKeys":
		return c.cfg.RateLimiters.AccessKeys
	default:
		return c.cfg.RateLimiters.Default
	}
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		limiterCategory = c.rateLimiters["default"]
	}

	// Limit per effective origin: the proxied requester when the request came
	// through the trusted proxy, the transport peer otherwise.
	ip := challenge.ResolveRemote(r, c.cfg.Proxy.Ipv4).Ip

	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := c.rateLimiterConfig(category)
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Core) route(path string, handler http.HandlerFunc, category string) {
	c.mux.Handle(path, c.rateLimitMiddleware(handler, category))
}

func (c *Core) registerRoutes() {
	c.route("/ip-challenge", c.ipChallengeHandler, "challenge")

	c.route(apiPrefix+"/profile/get", c.getProfileHandler, "registry")
	c.route(apiPrefix+"/profile/exists", c.profileExistsHandler, "registry")
	c.route(apiPrefix+"/environment/create", c.createEnvironmentHandler, "registry")
	c.route(apiPrefix+"/environment/set", c.setEnvironmentHandler, "registry")
	c.route(apiPrefix+"/environment/reset", c.resetEnvironmentHandler, "registry")
	c.route(apiPrefix+"/gateway/init", c.initGatewayHandler, "registry")
	c.route(apiPrefix+"/gateway/initialized", c.getInitializedGatewaysHandler, "registry")
	c.route(apiPrefix+"/gateway/register", c.registerGatewayHandler, "registry")
	c.route(apiPrefix+"/gateway/registered", c.getRegisteredGatewaysHandler, "registry")
	c.route(apiPrefix+"/gateway/updates", c.getGatewayUpdatesHandler, "registry")
	c.route(apiPrefix+"/gateway/pair", c.pairNewDeviceHandler, "registry")
	c.route(apiPrefix+"/device/register", c.registerDeviceHandler, "registry")
	c.route(apiPrefix+"/device/registered", c.getRegisteredDevicesHandler, "registry")
	c.route(apiPrefix+"/device/by-affordances", c.getDevicesByAffordancesHandler, "registry")

	c.route(apiPrefix+"/access-key/obtain", c.obtainAccessKeyHandler, "accessKeys")
	c.route(apiPrefix+"/access-key/report", c.reportSignedRequestHandler, "accessKeys")
	c.route(apiPrefix+"/access-key/price", c.getAccessKeyPriceHandler, "default")
}

// Mux exposes the route table for in-process tests.
func (c *Core) Mux() *http.ServeMux {
	return c.mux
}

func (c *Core) Run() {
	httpListenAddr := c.cfg.HttpBinding
	c.logger.Info("Attempting to start server",
		"listen_addr", httpListenAddr,
		"tls_enabled", (c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""),
	)

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: c.mux,
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	if c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != "" {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.TLS.Cert, "key", c.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key); err != http.ErrServerClosed {
			c.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", "error", err)
		}
	}

	for _, limiter := range c.rateLimiters {
		limiter.Stop()
	}

	c.logger.Info("Server stopped")
}
