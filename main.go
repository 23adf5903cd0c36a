package main

import "github.com/ValentinKolb/dIdx/cmd"

func main() {
	cmd.Execute()
}
