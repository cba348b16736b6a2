// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Veil query gateway.
//
// The gateway mediates SQL queries through the privacy pipeline: analysis,
// policy evaluation, budget accounting, execution, and result protection.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT              - HTTP server port (default: 8080)
//	POLICY_CONFIG     - path to the policy YAML (default: configs/policy.yaml)
//	EXECUTOR_MODE     - "mock", "postgres", or "mysql" (default: mock)
//	DATABASE_URL      - backend DSN for postgres/mysql modes
//	DEFAULT_BUDGET    - per-user epsilon budget (default: 10)
//	JWT_SECRET        - enables bearer-token authentication when set
//	REDIS_URL         - enables cross-instance budget sync when set
//	INSTANCE_ID       - identity for distributed mode (default: hostname)
//	RATE_LIMIT_PER_SECOND / RATE_LIMIT_PER_MINUTE / RATE_LIMIT_PER_USER
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/cors"

	"axonflow/veil/audit"
	"axonflow/veil/budget"
	"axonflow/veil/distributed"
	"axonflow/veil/executor"
	"axonflow/veil/gateway"
	"axonflow/veil/performance"
	"axonflow/veil/policy"
)

func main() {
	port := getEnv("PORT", "8080")

	cm := policy.NewConfigManager(getEnv("POLICY_CONFIG", "configs/policy.yaml"))
	cm.StartWatcher()
	defer cm.StopWatcher()
	engine := policy.NewEngine(cm)

	auditLog := audit.NewLogger()
	budgetMgr := budget.NewManager(getEnvFloat("DEFAULT_BUDGET", 10))
	metrics := performance.NewMetrics()
	cache := performance.NewQueryCache()
	monitor := performance.NewMonitor()
	limiter := performance.NewRateLimiter(
		getEnvInt("RATE_LIMIT_PER_SECOND", 100),
		getEnvInt("RATE_LIMIT_PER_MINUTE", 1000),
		getEnvInt("RATE_LIMIT_PER_USER", 60),
	)

	exec, cleanup, err := buildExecutor()
	if err != nil {
		log.Fatalf("executor setup failed: %v", err)
	}
	defer cleanup()

	driver := gateway.NewDriver(exec, engine, auditLog,
		gateway.WithBudgetManager(budgetMgr),
		gateway.WithCache(cache),
		gateway.WithMonitor(monitor),
		gateway.WithMetrics(metrics),
	)

	serverOpts := []gateway.ServerOption{
		gateway.WithRateLimiter(limiter),
		gateway.WithServerMetrics(metrics),
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		serverOpts = append(serverOpts, gateway.WithAuthenticator(gateway.NewAuthenticator(secret)))
	}
	srv := gateway.NewServer(driver, budgetMgr, auditLog, serverOpts...)

	stopSync := startBudgetSync(budgetMgr)
	defer stopSync()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      cors.Default().Handler(srv.Router()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("gateway listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func buildExecutor() (executor.Executor, func(), error) {
	mode := getEnv("EXECUTOR_MODE", "mock")
	switch mode {
	case "postgres", "mysql":
		exec, err := executor.NewSQLExecutor(mode, os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, nil, err
		}
		return exec, func() { _ = exec.Close() }, nil
	default:
		return executor.NewMockExecutor(), func() {}, nil
	}
}

// startBudgetSync wires the cross-instance budget state when REDIS_URL is
// set: local debits on the manager are mirrored to the peers, and peer
// operations are folded back into the manager's accounts. The returned
// function stops the loop and the transport.
func startBudgetSync(budgetMgr *budget.Manager) func() {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return func() {}
	}

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}

	sync := distributed.NewBudgetSync(instanceID)
	transport, err := distributed.NewRedisTransport(redisURL, "", sync)
	if err != nil {
		log.Printf("budget sync disabled: %v", err)
		return func() {}
	}
	distributed.NewBudgetBridge(budgetMgr, sync)
	transport.Start()
	sync.Start()
	log.Printf("budget sync active as instance %s", instanceID)
	return func() {
		sync.Stop()
		_ = transport.Close()
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
