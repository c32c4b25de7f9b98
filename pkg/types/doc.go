/*
Package types defines the domain model shared by every DataInfraPilot
component: clusters, node pools, deployments, volumes, access endpoints and
the read-only application catalog descriptor.

These are the rows the persistence store (pkg/store) reads and writes, the
shapes the orchestrators (pkg/orchestrator) mutate, and the payloads the REST
surface (pkg/api) serializes. Provider credentials live on Cluster but are
tagged to never round-trip through JSON.
*/
package types
