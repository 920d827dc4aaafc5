package attr

import (
	"fmt"

	"github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/ValentinKolb/dGrid/lib/attrstore/filestore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	store attrstore.AttributeStore

	// AttributeCommands inspects and edits a file attribute store
	AttributeCommands = &cobra.Command{
		Use:               "attr",
		Short:             "Inspect and edit a file attribute store",
		PersistentPreRunE: openStore,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	AttributeCommands.PersistentFlags().String("attribute-store-path", "", util.WrapString("Path of the file attribute store"))

	AttributeCommands.AddCommand(getCmd)
	AttributeCommands.AddCommand(setCmd)
	AttributeCommands.AddCommand(dumpCmd)
	AttributeCommands.AddCommand(lastPrimaryCmd)
}

// openStore opens the file store named by --attribute-store-path
func openStore(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	path := viper.GetString("attribute-store-path")
	if path == "" {
		return fmt.Errorf("attribute-store-path is required")
	}
	store = filestore.NewFileStore(path)
	return nil
}
