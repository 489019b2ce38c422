package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spigell/service-exchange/internal/seats"
)

var seatsCmd = &cobra.Command{
	Use:   "seats",
	Short: "Seat table helpers",
}

var seatsHashCmd = &cobra.Command{
	Use:   "hash <phrase>",
	Short: "Print the secret a seat holder presents for phrase",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		fmt.Println(seats.HashPhrase(args[0]))
	},
}

func init() {
	seatsCmd.AddCommand(seatsHashCmd)
	rootCmd.AddCommand(seatsCmd)
}
