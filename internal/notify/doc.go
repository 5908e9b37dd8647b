// Package notify holds herald's shared notification domain model: channels,
// severities, recipients and their preferences, dispatch requests, delivery
// outcomes, and the collaborator interfaces (Provider, Renderer, JobCreator,
// RunCounter) the services are wired against.
//
// The package is intentionally dependency-free so every service and provider
// can import it without cycles.
package notify
