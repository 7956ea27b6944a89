// Package relayd runs one relay process: the coordinator control link, the
// per-session channel pool and the client gateway under a shared lifecycle.
package relayd
