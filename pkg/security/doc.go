/*
Package security provides cryptographic services for DataInfraPilot.

SecretsManager encrypts and decrypts provider credentials (Cluster.ProviderConfig)
at rest using AES-256-GCM, with a per-cluster key derived from the cluster's ID
via DeriveKeyFromClusterID. This keeps credentials recoverable without a
separate key-management system while ensuring they are never written to disk
or the wire in plaintext.
*/
package security
