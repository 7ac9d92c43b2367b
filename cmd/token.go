package cmd

import (
	"fmt"
	"time"

	"reelflow/app/auth"
	"reelflow/app/config"

	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "为用户签发访问令牌",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		token, err := auth.NewJWTService(cfg.JWT).GenerateToken(tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "用户ID")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "有效期，默认使用配置中的 jwt.expire_time")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
