package main

import "github.com/ramiqadoumi/go-task-tracker/services/tasks/cli"

func main() {
	cli.Execute()
}
