package main

import "github.com/ValentinKolb/dShard/cmd"

func main() {
	cmd.Execute()
}
