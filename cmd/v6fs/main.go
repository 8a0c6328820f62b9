package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/KarpelesLab/v6fs"
)

// backgroundEnv marks the daemonized child of a background mount.
const backgroundEnv = "V6FS_IN_BACKGROUND"

var debug bool

func main() {
	root := &cobra.Command{
		Use:   "v6fs",
		Short: "UNIX V6++-style filesystem over a disk image",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and run mounts in the foreground")

	root.AddCommand(formatCmd(), mountCmd(), infoCmd(), shellCmd(), archiveCmd(), extractCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func formatCmd() *cobra.Command {
	var blocks, inodeBlocks uint32
	var boot bool
	cmd := &cobra.Command{
		Use:   "format <image>",
		Short: "Create an empty filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []v6fs.FormatOption{
				v6fs.WithBlocks(blocks),
				v6fs.WithInodeBlocks(inodeBlocks),
			}
			if boot {
				opts = append(opts, v6fs.WithBootArea())
			}
			return v6fs.FormatImage(args[0], opts...)
		},
	}
	cmd.Flags().Uint32Var(&blocks, "blocks", v6fs.DefaultBlocks, "total filesystem blocks")
	cmd.Flags().Uint32Var(&inodeBlocks, "inode-blocks", v6fs.DefaultInodeBlocks, "inode region blocks (8 inodes each)")
	cmd.Flags().BoolVar(&boot, "boot", false, "reserve a boot area in front of the filesystem")
	return cmd
}

func mountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <image> <mountpoint>",
		Short: "Mount an image through FUSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, mountpoint := args[0], args[1]

			// without --debug the mount runs as a daemon; re-exec
			// ourselves and wait for the child to report the outcome
			if !debug && os.Getenv(backgroundEnv) == "" {
				self, err := os.Executable()
				if err != nil {
					return err
				}
				env := append(os.Environ(), backgroundEnv+"=true")
				return daemonize.Run(self, []string{"mount", image, mountpoint}, env, os.Stdout, os.Stderr)
			}
			return runMount(image, mountpoint, os.Getenv(backgroundEnv) != "")
		},
	}
	return cmd
}

func runMount(image, mountpoint string, daemon bool) error {
	outcome := func(err error) {
		if !daemon {
			return
		}
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logrus.Errorf("failed to signal mount outcome: %v", err2)
		}
	}

	disk := v6fs.New(image)
	if err := disk.Mount(); err != nil {
		outcome(err)
		return err
	}
	server, err := v6fs.MountFUSE(disk, mountpoint, debug)
	if err != nil {
		disk.Unmount()
		outcome(err)
		return err
	}
	outcome(nil)
	logrus.Infof("mounted %s on %s", image, mountpoint)

	// let the user unmount with ctrl-c
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		server.Unmount()
	}()

	server.Wait()
	return disk.Unmount()
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Print filesystem geometry and usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk := v6fs.New(args[0])
			if err := disk.Mount(); err != nil {
				return err
			}
			defer disk.Unmount()
			st, err := disk.GetStats()
			if err != nil {
				return err
			}
			fmt.Printf("block size:   %d\n", st.BlockSize)
			fmt.Printf("blocks:       %d\n", st.Blocks)
			fmt.Printf("blocks free:  %d\n", st.Bfree)
			fmt.Printf("inodes:       %d\n", st.Files)
			fmt.Printf("inodes free:  %d\n", st.Ffree)
			fmt.Printf("name max:     %d\n", st.NameMax)
			return nil
		},
	}
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell <image>",
		Short: "Run the interactive filesystem shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk := v6fs.New(args[0])
			if err := disk.Mount(); err != nil {
				return err
			}
			return v6fs.NewShell(v6fs.WithHandles(disk), os.Stdin, os.Stdout).Run()
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <image> <archive>",
		Short: "Compress an image into an archive (.gz or .xz)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return v6fs.ArchiveImage(args[0], args[1])
		},
	}
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <archive> <image>",
		Short: "Unpack an archived image (.gz or .xz)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return v6fs.ExtractImage(args[0], args[1])
		},
	}
}
