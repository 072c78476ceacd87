// Package dedupe provides a bounded, insertion-ordered set of message
// fingerprints used to drop frames that were already delivered.
package dedupe
