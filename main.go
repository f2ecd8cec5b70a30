package main

import "github.com/nicklasfrahm/sshbatch/cmd"

func main() {
	cmd.Execute()
}
