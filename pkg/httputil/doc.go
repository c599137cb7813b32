// Package httputil provides HTTP helpers shared by the API and middleware packages:
// JSON responses with a uniform {"error": ..., "code": ...} body, request parsing,
// client IP and bearer token extraction, and the request id, logging and recovery
// middleware.
package httputil
