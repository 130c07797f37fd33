// Package statestore keeps per-session scratch state for stateful tools.
//
// Each context holds connection, session and business buckets, plus any
// cache buckets a tool sets. Reads never return expired buckets; a cron
// sweep purges them and drops contexts left empty.
package statestore
