package main

import (
	"audio-pipeline/app"
)

func main() {
	app.Run()
}
