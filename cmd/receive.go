package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperr "flying/internal/errors"
)

func (a *app) receiveCommand() *cobra.Command {
	var (
		mf     modeFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "receive [password]",
		Short: "Receive files into the output directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if info, err := os.Stat(output); err != nil || !info.IsDir() {
				if err == nil {
					err = fmt.Errorf("%s is not a directory", output)
				}
				return apperr.Fatal(apperr.ErrFileSystem, "cmd", fmt.Sprintf("output directory does not exist: %q", output), err)
			}
			mode := mf.mode()
			pw, err := a.sessionPassword(mode, args)
			if err != nil {
				return err
			}
			printBanner(a.stdout, "RECEIVE", pw, mode, output)

			results, err := a.runner(pw).Receive(cmd.Context(), mode, output)
			if err != nil {
				return err
			}
			printTotals(a.stdout, results)
			return nil
		},
	}
	mf.bind(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", ".", "directory to write received files to")
	return cmd
}
