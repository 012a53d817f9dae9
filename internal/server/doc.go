// Package server implements the webhook receiver behind "deploytool serve".
//
// Routes:
//   - POST /in/{project}/{environment}: GitHub push deliveries, verified
//     with the environment's webhook secret, deploy the pushed commit
//   - GET /status/{project}/{environment}: latest and recent tasks
//   - GET /health: configured projects and environments
//
// The server integrates with other packages:
//   - internal/project: project and environment configuration
//   - internal/target: connecting to hosts and running the release manager
//   - internal/history: SQLite task history
//
// Deliveries are answered before the deploy runs. One deploy per project
// environment runs at a time; deliveries arriving meanwhile get 429.
package server
