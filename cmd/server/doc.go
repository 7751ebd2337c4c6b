// Package main is the entry point for the AgentStudio backend server.
//
// The server orchestrates per-session coding-agent conversations: each
// session gets an isolated working directory, a persisted transcript,
// and on-demand child servers (dev preview, production build server,
// shared flow editor) reachable through the API port's reverse proxy.
//
// The server provides:
//   - REST API for session lifecycle and transcripts
//   - SSE streaming for agent turns and tool permission requests
//   - Per-session preview and build servers with port management
//   - Reverse proxy mounts (/preview, /view, /flow) with WebSocket support
//   - Rate limiting and Prometheus metrics
//
// Configuration is environment-driven (12-factor); see the config
// package for variables and defaults.
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
