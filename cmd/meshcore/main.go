// Command meshcore runs the mesh messaging core from the command line.
package main

func main() {
	Execute()
}
