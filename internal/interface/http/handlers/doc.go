// Package handlers contains HTTP middleware and health checks shared by the
// API server.
//
// # Middleware
//
// The gin middleware here attaches a request id and a request-scoped logger,
// logs and recovers requests, rate-limits per client or per wallet, and
// resolves the wallet session token:
//
//	r := gin.New()
//	r.Use(handlers.RequestID(log), handlers.Recovery(), handlers.Logging())
//
//	gated := r.Group("/api/v1")
//	gated.Use(handlers.RequireWallet(authService))
//	gated.Use(handlers.RateLimit(limiter, handlers.ByWallet))
//
// Handlers read the signed-in wallet with WalletFrom.
//
// # Health Checks
//
// CompositeHealthChecker runs named checks in parallel, each under its own
// timeout:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("redis", handlers.NewPingCheck(cache))
//	checker.AddCheck("ledger", handlers.NewLedgerHeadCheck(node, 5*time.Second))
//
//	status := checker.Check(ctx)
package handlers
