package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/mqttconsole/cmd/mqttconsole/app"
)

func main() {
	app.NewApp().Run()
}
