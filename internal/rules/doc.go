// Package rules loads ordered host:port routing rules from a text file and
// keeps them current.
//
// Each non-empty, non-comment line of a rule file holds a regular expression
// and an upstream URL separated by whitespace:
//
//	# block trackers, send internal hosts through the bastion
//	.*\.doubleclick\.net:.*   reject://
//	.*\.corp\.example:.*      socks://10.0.0.1:1080
//
// Patterns are matched case-insensitively against "host:port" and are
// anchored at the start of the subject only, so ".*badhost.*" and
// "example\.com" both behave as prefix matches. The first matching rule wins,
// and every snapshot ends with an implicit ".* direct://" rule.
//
// A Watcher publishes each parsed file as an immutable Snapshot through an
// atomic pointer; readers take one Snapshot and use it for a whole dispatch,
// so a reload never becomes visible halfway through a match.
package rules
