// Package device defines the consumer-facing contract of the simulated
// Bluetooth LE central: manager and peripheral handles, the delegates that
// receive their asynchronous results, advertisement payloads and the error
// taxonomy those results carry.
package device
