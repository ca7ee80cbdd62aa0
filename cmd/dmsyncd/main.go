package main

import (
	"flag"

	"github.com/pvictorino/dmsync/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.dmsync/config.toml)")
	conversationFlag := flag.String("conversation", "", "conversation id (overrides config default)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath:     *configFlag,
			ConversationID: *conversationFlag,
		}),
	)

	app.Run()
}
