// Package web3 houses chain connectivity used by the settlement layer:
// YAML chain definitions, a narrow client interface for balance queries and
// native value transfers, and the EVM implementation in the ethereum
// subpackage.
package web3
