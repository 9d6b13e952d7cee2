package main

import (
	"github.com/bridgecore/bridged/cmd"

	_ "github.com/bridgecore/bridged/internal/adapters/discord"
	_ "github.com/bridgecore/bridged/internal/adapters/signal"
	_ "github.com/bridgecore/bridged/internal/adapters/stoat"
	_ "github.com/bridgecore/bridged/internal/adapters/telegram"
	_ "github.com/bridgecore/bridged/internal/adapters/whatsapp"
)

func main() {
	cmd.Execute()
}
