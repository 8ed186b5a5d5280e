package discover

import (
	"github.com/spf13/cobra"

	"github.com/nutrilog/nutrilog/internal/business"
	"github.com/nutrilog/nutrilog/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"discover",
		"Nutrilog provider discovery check",
		"Discovers the OIDC provider, fetches its key set and prints the resolved metadata",
		buildInfo,
		cmdutils.RunAsJob,
		business.DiscoverMain,
	)
}
