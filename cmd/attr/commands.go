package attr

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dGrid/lib/attrstore/filestore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("key not found")
				return nil
			}
			fmt.Println(value)
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prev, ok, err := store.Set(args[0], args[1])
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("set successfully (previous value: %s)\n", prev)
			} else {
				fmt.Println("set successfully")
			}
			return nil
		},
	}
	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Prints all entries of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := filestore.Dump(viper.GetString("attribute-store-path"))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s=%s\n", e[0], e[1])
			}
			return nil
		},
	}
	lastPrimaryCmd = &cobra.Command{
		Use:   "last-primary [space] [partition]",
		Short: "Prints the last primary of a partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, err := strconv.Atoi(args[1])
			if err != nil || partition <= 0 {
				return fmt.Errorf("partition must be a positive number: %s", args[1])
			}
			value, ok, err := store.Get(fmt.Sprintf("%s.%d.primary", args[0], partition))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no primary recorded")
				return nil
			}
			fmt.Println(value)
			return nil
		},
	}
)
