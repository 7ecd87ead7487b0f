// Package harness runs scripted scenarios against a bank server.
//
// A scenario is a YAML file naming the pool size, the account count, the seed
// balances and an ordered list of command lines. Each step may pin the reply
// (accepted or rejected with a validation code) and the outcome payload.
// Final-state assertions check balances, totals, outcome counts and the
// completion gate.
//
// Runs are deterministic: the clock is a testutil.SteppingTime and the run ID
// is fixed, so the transcript (replies plus output lines) is byte-stable and
// can be compared against a golden file with goldie.
//
// Example scenario:
//
//	name: transfer_basic
//	description: "Two accounts, one transfer, one check"
//	workers: 4
//	accounts: 2
//	initial_balances:
//	  - account: 0
//	    balance: 100
//	steps:
//	  - request: "TRANS 0 -30 1 30"
//	    expect: "OK"
//	  - request: "CHECK 1"
//	    expect: "BAL 30"
//	assertions:
//	  - type: final_balances
//	    balances: [70, 30]
package harness
