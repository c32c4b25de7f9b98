/*
Package log provides structured logging for DataInfraPilot using zerolog.

Init configures the global Logger from a Config (level, JSON vs console
output, destination writer). WithComponent, WithClusterID, WithDeploymentID
and WithVolumeID create child loggers that carry the relevant ID on every
line they emit, so a cluster's or deployment's provisioning history can be
filtered out of the combined log stream by that field alone.
*/
package log
