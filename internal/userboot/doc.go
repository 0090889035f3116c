// Package userboot starts the first user processes.
//
// A TOML manifest names child jobs of the root job and the processes to
// launch into them:
//
//	[[job]]
//	name = "services"
//	deny = ["interrupt"]
//
//	[[process]]
//	name = "echo-server"
//	program = "echo-server"
//	job = "services"
//	channels = ["echo"]
//
// Each process gets a scratch mapping of ScratchSize bytes and a bootstrap
// channel. Its first thread starts with the bootstrap handle as arg1 and the
// scratch address as arg2. The one message queued on the bootstrap channel
// holds the process arguments, NUL separated, and one handle per entry of
// channels. A channel name used by two processes connects them.
//
// Programs are looked up by name in a Registry. DefaultRegistry carries an
// echo server and client that the built-in manifest wires together.
package userboot
