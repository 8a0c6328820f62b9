package v6fs

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

const shellHelp = `commands:
  ls [path]              list a directory
  cd <dir>               change the working directory
  mkdir <dir>            create a directory
  fcreat <name>          create an empty file
  fopen <name>           open a file, prints its handle
  fclose <handle>        close a handle
  fread <handle> <size>  read bytes at the handle offset
  fwrite <handle> <text> write text at the handle offset
  flseek <handle> <off>  move the handle offset
  fdelete <name>         unlink a file or directory
  stat <path>            show file attributes
  fformat                re-format the disk
  df                     show filesystem statistics
  help                   this message
  exit                   flush and unmount
`

// Shell is the interactive filesystem terminal: a line-oriented command
// loop over a HandleDisk, in the manner of the course shells this
// filesystem grew up with.
type Shell struct {
	disk *HandleDisk
	cwd  string
	in   *bufio.Scanner
	out  io.Writer
}

// NewShell builds a shell over a mounted disk.
func NewShell(disk *HandleDisk, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		disk: disk,
		cwd:  "/",
		in:   bufio.NewScanner(in),
		out:  out,
	}
}

func (s *Shell) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

// Run reads commands until exit or EOF. The disk is unmounted on the way
// out.
func (s *Shell) Run() error {
	fmt.Fprint(s.out, shellHelp)
	for {
		fmt.Fprintf(s.out, "%s> ", s.cwd)
		if !s.in.Scan() {
			break
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		args := strings.SplitN(line, " ", 3)
		if args[0] == "exit" || args[0] == "unmount" {
			break
		}
		if err := s.dispatch(args); err != nil {
			fmt.Fprintf(s.out, "error: %s\n", err)
		}
	}
	return s.disk.Unmount()
}

func (s *Shell) dispatch(args []string) error {
	arg := func(n int) string {
		if n < len(args) {
			return args[n]
		}
		return ""
	}

	switch args[0] {
	case "ls":
		p := s.cwd
		if arg(1) != "" {
			p = s.abs(arg(1))
		}
		names, err := s.disk.DirList(p)
		if err != nil {
			return err
		}
		for _, name := range names {
			st, err := s.disk.GetAttr(path.Join(p, name))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s %8d %s\n", UnixToMode(st.Mode), st.Size, name)
		}
		return nil

	case "cd":
		p := s.abs(arg(1))
		st, err := s.disk.GetAttr(p)
		if err != nil {
			return err
		}
		if st.Mode&S_IFMT != S_IFDIR {
			return fmt.Errorf("%w: %s", ErrNotDirectory, p)
		}
		s.cwd = p
		return nil

	case "mkdir":
		_, err := s.disk.Create(s.abs(arg(1)), TypeDir)
		return err

	case "fcreat":
		_, err := s.disk.Create(s.abs(arg(1)), TypeFile)
		return err

	case "fopen":
		handle, err := s.disk.Open(s.abs(arg(1)))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "handle %d\n", handle)
		return nil

	case "fclose":
		handle, err := strconv.Atoi(arg(1))
		if err != nil {
			return err
		}
		return s.disk.Close(handle)

	case "fread":
		handle, err := strconv.Atoi(arg(1))
		if err != nil {
			return err
		}
		size, err := strconv.ParseInt(arg(2), 10, 64)
		if err != nil {
			return err
		}
		data, err := s.disk.Read(handle, size)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%q\n", data)
		return nil

	case "fwrite":
		handle, err := strconv.Atoi(arg(1))
		if err != nil {
			return err
		}
		return s.disk.Write(handle, []byte(arg(2)))

	case "flseek":
		handle, err := strconv.Atoi(arg(1))
		if err != nil {
			return err
		}
		offset, err := strconv.ParseInt(arg(2), 10, 64)
		if err != nil {
			return err
		}
		return s.disk.Seek(handle, offset)

	case "fdelete":
		return s.disk.Unlink(s.abs(arg(1)))

	case "stat":
		st, err := s.disk.GetAttr(s.abs(arg(1)))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s ino=%d nlink=%d size=%d mtime=%d\n",
			UnixToMode(st.Mode), st.Ino, st.Nlink, st.Size, st.Mtime)
		return nil

	case "fformat":
		return s.disk.Format()

	case "df":
		st, err := s.disk.GetStats()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "blocks=%d bfree=%d files=%d ffree=%d\n",
			st.Blocks, st.Bfree, st.Files, st.Ffree)
		return nil

	case "help":
		fmt.Fprint(s.out, shellHelp)
		return nil
	}

	return fmt.Errorf("unknown command %q, try help", args[0])
}
