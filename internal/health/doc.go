// Package health holds the probes behind /-/healthy and /-/ready.
//
// Probes compose with All and Any. ShutdownGate fails readiness as soon as a
// drain starts so the load balancer stops routing new inspections while the
// in-flight ones finish. WritableDir checks the scratch directory every
// download and extraction workspace is created under.
package health
