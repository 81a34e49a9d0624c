package main

import (
	"github.com/wagate/app/cmd"
)

// @title WhatsApp Gateway API
// @version 1.0
// @description Multi-tenant WhatsApp gateway with durable message ingestion and webhook fan-out.

// @host  localhost:8000
// @BasePath /api/v1

func main() {
	cmd.StartApp()
}
