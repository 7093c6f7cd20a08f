// Package health has the probes behind the liveness and readiness endpoints.
//
// A [Probe] is evaluated on every request. [All] combines the readiness
// dependencies, [WithTimeout] bounds the ones that cross the network, and
// [ShutdownGate] fails readiness as soon as draining starts so the load
// balancer stops routing before in-flight requests finish.
package health
