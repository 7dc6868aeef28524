// Package main 票据表迁移工具
package main

import (
	"log"

	"github.com/spf13/pflag"

	"github.com/pu-ac-cn/uac-sso/internal/config"
	"github.com/pu-ac-cn/uac-sso/internal/database"
)

func main() {
	// 命令行参数
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	pflag.Parse()

	// 加载配置
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

	// 初始化数据库连接
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close(db)
	log.Println("数据库连接成功")

	log.Println("开始执行数据库迁移...")
	if err := database.Migrate(db); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}

	log.Println("数据库迁移完成！")
	log.Println("已创建/更新的表:")
	log.Println("  - tickets (票据表)")
	log.Println("  - ticket_attributes (会话属性索引表)")
}
