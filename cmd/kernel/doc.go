// Command kernel boots the kernel object substrate as a host process.
//
// Boot sequence:
//  1. Load configuration from the environment, then apply flag overrides
//  2. Build the logger and stamp it with a fresh boot id
//  3. Size the physical frame pool and register metrics on it
//  4. Start the debug server, unless disabled
//  5. Launch the boot manifest under the root job
//
// The kernel then runs until SIGINT or SIGTERM, when it kills the root job,
// cancels every thread and waits for them to return.
//
// Usage:
//
//	# Built-in echo manifest, debug server on 127.0.0.1:6060
//	./kernel
//
//	# Custom manifest, console logs at debug level
//	./kernel -manifest boot.toml -dev
//
// Environment variables are listed in internal/config.
package main
