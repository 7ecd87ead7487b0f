// Package config loads and validates bankserver run configuration.
//
// A config file is YAML (.yaml, .yml) or CUE (.cue). Either way the result is
// checked against the #Config definition in schema.cue, embedded in the
// binary. Command-line flags are applied on top by the cli package and the
// merged config is validated again.
//
// Example YAML:
//
//	workers: 8
//	accounts: 100
//	output: responses.txt
//	journal: bank.db
//	claim_backoff: 100us
//	initial_balances:
//	  - {account: 0, balance: 1000}
package config
