// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"didcomm-agent/internal/agent"
	"didcomm-agent/pkg/config"
)

func main() {
	fs := config.NewFlagSet("agent")
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化 agent 失败: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Start(context.Background()) }()
	fmt.Println("=== Ctrl+C 退出 ===")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Printf("agent 异常退出: %v", err)
		}
	}

	// 排空超时之外预留传输与存储的关闭时间
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Conductor.ShutdownTimeout+cfg.Conductor.ResponseTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭 agent 失败: %v", err)
	}
	fmt.Println("agent 已关闭")
}
