package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/geffzhang/weyhdbot/internal/channel/adapters/wechat"
)

func menuCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Manage the official account menu",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push [file]",
		Short: "Upload a menu file (JSON or YAML); defaults to wechat.default_menu",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Wechat.DefaultMenu
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return wechat.ErrMenuNotConfigured
			}
			menu, err := wechat.LoadMenu(path)
			if err != nil {
				return fmt.Errorf("load menu %s: %w", path, err)
			}
			tokens := provideWechatTokens(log, cfg)
			client := provideWechatClient(log, cfg, tokens)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := client.UploadMenu(ctx, menu); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "menu uploaded: %d buttons\n", len(menu.Buttons))
			return nil
		},
	})
	return cmd
}
