// Command toolgate runs the runtime policy decision service.
package main

import "github.com/toolgate/toolgate/cmd/toolgate/cmd"

func main() {
	cmd.Execute()
}
