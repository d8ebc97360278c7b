package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/mqttconsole/cmd/mqtttail/app"
)

func main() {
	app.NewApp().Run()
}
