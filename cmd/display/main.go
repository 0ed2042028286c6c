package main

import "signage-core/internal/client/cmd"

func main() {
	cmd.Execute()
}
