// Package middleware provides HTTP middleware for the management endpoints
// of the local server: request metrics, security headers, CORS for the UI
// origin and request size limits.
package middleware
