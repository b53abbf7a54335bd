package main

import "github.com/zai-kun/regpt/cmd"

func main() {
	cmd.Execute()
}
