/*
Package store provides the persistence layer (C1) for DataInfraPilot:
transactional CRUD over clusters, pools, deployments, volumes and access
endpoints, backed by gorm.io/gorm over a pure-Go sqlite driver
(github.com/glebarez/sqlite).

Store is the single source of truth the orchestrators read and write.
Unique-constraint violations surface as ErrConflict and missing rows as
ErrNotFound, so callers can map them directly onto the wire-level error
taxonomy in pkg/apierr without inspecting driver-specific error strings.
*/
package store
