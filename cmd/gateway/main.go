// Command copilot-gateway runs the Messages gateway and drives its device
// login.
package main

func main() {
	Execute()
}
