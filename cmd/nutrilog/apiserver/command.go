package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/nutrilog/nutrilog/internal/business"
	"github.com/nutrilog/nutrilog/internal/cmdutils"
	"github.com/nutrilog/nutrilog/internal/config"
)

func Cmd(buildInfo string) *cobra.Command {
	var noAuth bool

	cmd := cmdutils.CobraCommand(
		"api-server",
		"Nutrilog API server",
		"Nutrilog API server hosts the sign-in routes, the protected API and the static UI",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
		func(cfg *config.Config) {
			if noAuth {
				cfg.Auth.SkipAuth = true
			}
		},
	)

	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "run every request as the development identity (refused in production)")

	return cmd
}
