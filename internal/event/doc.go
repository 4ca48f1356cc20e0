// Package event describes membership changes as events and delivers them
// to local subscribers.
package event
