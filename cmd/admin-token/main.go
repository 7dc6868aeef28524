// 为运维人员签发管理接口令牌的工具
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/pu-ac-cn/uac-sso/internal/config"
	"github.com/pu-ac-cn/uac-sso/internal/middleware"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	ttl := pflag.Duration("ttl", 0, "令牌有效期，如 1h")
	pflag.Parse()

	if pflag.NArg() < 1 || *ttl <= 0 {
		fmt.Println("用法: admin-token --ttl <有效期> <操作人>")
		fmt.Println("示例: admin-token --ttl 1h ops@example.com")
		os.Exit(1)
	}
	subject := pflag.Arg(0)

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

	token, err := middleware.IssueAdminToken(cfg.Admin.JWTSecret, cfg.Admin.Issuer, subject, *ttl)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}
	fmt.Println(token)
}
