package main

import (
	"log"

	"github.com/kromosynth/dispatcher/cmd"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		log.Fatalf("cmd.Execute error: %v", err)
	}
}
