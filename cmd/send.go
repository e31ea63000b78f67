package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"flying/internal/transfer"
)

var errPersistentNeedsListen = errors.New("--persistent requires --listen")

func (a *app) sendCommand() *cobra.Command {
	var (
		mf         modeFlags
		recursive  bool
		persistent bool
	)
	cmd := &cobra.Command{
		Use:   "send <path> [password]",
		Short: "Send a file, or a directory with --recursive",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// only a listening sender can be found again by the next peer
			if persistent && !mf.listen {
				return errPersistentNeedsListen
			}
			files, err := transfer.Collect(args[0], recursive)
			if err != nil {
				return err
			}
			mode := mf.mode()
			pw, err := a.sessionPassword(mode, args[1:])
			if err != nil {
				return err
			}
			printBanner(a.stdout, "SEND", pw, mode, "")

			ctx := cmd.Context()
			runner := a.runner(pw)
			for session := 1; ; session++ {
				results, err := runner.Send(ctx, mode, files)
				if err != nil {
					return err
				}
				printTotals(a.stdout, results)
				if !persistent {
					return nil
				}
				a.logger.Info("session finished, serving the next peer", "sessions", session)
				fmt.Fprintln(a.stdout, "\nReady for the next peer (Ctrl+C to stop)")
			}
		},
	}
	mf.bind(cmd)
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "send every file under a directory")
	cmd.Flags().BoolVarP(&persistent, "persistent", "p", false, "keep serving new peers after each transfer (with --listen)")
	return cmd
}
