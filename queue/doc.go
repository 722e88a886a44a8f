// Package queue defines the respondent call-queue domain: queue entries, the
// closed set of entry statuses and call outcomes, and the state transition
// applied when an attempt finishes. The transition is a pure function; the
// storage package is responsible for applying it atomically.
package queue
