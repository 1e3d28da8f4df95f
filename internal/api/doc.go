// Package api hosts the HTTP server, middleware, and handlers for domain
// lookups. Notable routes:
//   - POST /find_data/ returns stored text for domains, ingesting crawl
//     archives on a miss.
//   - POST /find_predictions/ returns stored predictions for domains.
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
package api
