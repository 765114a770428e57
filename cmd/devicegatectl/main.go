// devicegatectl is the operator CLI: list and revoke a user's sessions, read and change the device limit.
package main

import "devicegate/cmd/devicegatectl/cmd"

func main() {
	cmd.Execute()
}
