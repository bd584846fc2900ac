package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. SIGINT/SIGTERM 取消根 context，讓事件迴圈記錄 CANCELLED 後退出
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/lattice-dispatch/internal/cli"
)

var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = version
	}
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
