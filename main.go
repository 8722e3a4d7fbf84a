package main

import (
	"github.com/billm/tutornet/cmd"
)

func main() {
	cmd.Execute()
}
