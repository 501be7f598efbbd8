// Package cryptoutil holds the hashing helpers used for mirror keys and
// archive integrity checks.
package cryptoutil
