// Command proxyscand runs the open-proxy detection engine.
package main

import "github.com/hiddn/gproxyscan/cmd"

func main() {
	cmd.Execute()
}
