package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/onairchat/onair/bootstrap"
	"github.com/onairchat/onair/chatd"
	"github.com/onairchat/onair/webserver"
)

func main() {
	var module string
	flag.StringVar(&module, "module", "", "assign run module: chat, web, init")
	flag.Parse()

	if module == "" {
		fmt.Println("error: module param required! Available: chat, web, init")
		os.Exit(1)
	}

	fmt.Printf("🚀 Starting OnAir %s...\n", module)

	// 各个组件负责自己的配置加载
	switch module {
	case "chat":
		c, err := chatd.New()
		if err != nil {
			fmt.Printf("❌ Failed to start chatd: %v\n", err)
			os.Exit(1)
		}
		defer c.Close()
		if err := c.Run(); err != nil {
			fmt.Printf("❌ Chatd error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal()

	case "web":
		w, err := webserver.New()
		if err != nil {
			fmt.Printf("❌ Failed to start web server: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		if err := w.Run(); err != nil {
			fmt.Printf("❌ Web server error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal()

	case "init":
		if err := bootstrap.Run(); err != nil {
			fmt.Printf("❌ Database initialization failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✅ Database initialized")

	default:
		fmt.Printf("❌ Unknown module: %s\n", module)
		fmt.Println("Available modules: chat, web, init")
		os.Exit(1)
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit

	fmt.Println("👋 Service exiting")
}
