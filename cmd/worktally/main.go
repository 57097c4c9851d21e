// Command worktally runs the offline sync core from the command line or as a
// local daemon serving UI layers over HTTP and WebSocket.
package main

func main() {
	Execute()
}
