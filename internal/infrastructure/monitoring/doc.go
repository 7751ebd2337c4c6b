/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the backend
service, tracking HTTP requests, agent turns, child server lifecycles,
flow-editor operations, and proxied traffic.

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record domain metrics
	metrics.SetSessionCounts(total, busy)
	metrics.RecordTurn("completed", elapsed)
	metrics.RecordServerStart("preview", "ok")

# Metrics Endpoint

Each Metrics value owns its registry; expose it with:

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
