// Command rendercore plays the reference engine through the render graph,
// driven by MIDI input.
package main

func main() {
	Execute()
}
