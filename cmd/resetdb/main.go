package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-sso/internal/bootstrap"
	"github.com/pu-ac-cn/uac-sso/internal/config"
	"github.com/pu-ac-cn/uac-sso/internal/logger"
)

// 清空当前配置的票据存储：
// - 通过注册中心删除全部票据，适用于 redis 与 database 后端。
// - 只删除票据相关的键或表记录，不影响其它数据。
// 用法：
//   go run ./cmd/resetdb --force
// 可选参数：
//   --config   配置文件路径
//   --force    必须为 true 才会执行（安全开关）
func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	force := pflag.Bool("force", false, "确认执行清空操作")
	pflag.Parse()

	if !*force {
		log.Fatal("为避免误操作，请加上 --force 参数：go run ./cmd/resetdb --force")
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Registry.Backend == config.BackendMemory {
		log.Fatal("内存后端无需清空")
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, zlog, nil)
	if err != nil {
		zlog.Fatal("初始化票据注册中心失败", zap.Error(err))
	}
	defer app.Close()

	fmt.Printf("开始清空 %s 后端中的全部票据...\n", cfg.Registry.Backend)
	removed, err := app.TicketService.DeleteAll(ctx)
	if err != nil {
		zlog.Fatal("清空票据失败", zap.Error(err))
	}
	fmt.Printf("完成，已删除 %d 张票据。\n", removed)
}
