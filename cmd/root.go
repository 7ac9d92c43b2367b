package cmd

import (
	"os"

	"reelflow/app/config"
	"reelflow/app/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "reelflow",
	Short:   "AI 短视频生成与发布任务编排",
	Long:    "将视频生成和发布拆分为持久化队列中的任务，由工作池执行并自动串联",
	Version: "1.0.0",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径（默认查找 ./data/config.yaml 或 ./config.yaml）")
}

// initConfig 读取配置文件和环境变量（如果设置）
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 添加配置文件搜索路径
		viper.AddConfigPath("./data") // 相对于当前工作目录的 data 文件夹
		viper.AddConfigPath(".")      // 当前目录
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("REELFLOW")
	viper.AutomaticEnv() // 读取匹配的环境变量
}

// watchConfig 配置文件变化时重新加载日志级别，其余配置需要重启生效
func watchConfig(log *logger.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := config.Decode()
		if err != nil {
			log.Errorf("重新加载配置失败: %v", err)
			return
		}
		log.SetLevel(cfg.Log.Level)
		log.Infof("配置文件已变更，日志级别: %s", cfg.Log.Level)
	})
	viper.WatchConfig()
}
