package main

import "audio-pipeline/app"

func main() {
	app.RunWithRole(app.RoleWorker)
}
