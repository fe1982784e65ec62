package process

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cuemby/faas/pkg/types"
)

var namespaceFlags = map[types.NamespaceType]string{
	types.NamespacePID:     "--pid",
	types.NamespaceMount:   "--mount",
	types.NamespaceUser:    "--user",
	types.NamespaceNetwork: "--net",
	types.NamespaceIPC:     "--ipc",
	types.NamespaceUTS:     "--uts",
}

// dangerousCapabilities are dropped via capsh when strict isolation is
// requested. None of these are needed by a function's runtime host.
var dangerousCapabilities = []string{
	"cap_sys_admin", "cap_net_admin", "cap_sys_module",
	"cap_sys_ptrace", "cap_sys_boot", "cap_sys_time",
	"cap_setuid", "cap_setgid",
}

// unshareArgs returns the `unshare` flags for the requested namespace set, or
// nil on non-Linux, where none of this applies.
func unshareArgs(namespaces []types.NamespaceType) []string {
	if runtime.GOOS != "linux" {
		return nil
	}
	var args []string
	for _, ns := range namespaces {
		if flag, ok := namespaceFlags[ns]; ok {
			args = append(args, flag)
		}
	}
	return args
}

// capshDropArgs returns a capsh invocation that drops dangerousCapabilities
// before exec'ing the remainder of the command line, or nil on non-Linux.
func capshDropArgs() []string {
	if runtime.GOOS != "linux" {
		return nil
	}
	drops := make([]string, len(dangerousCapabilities))
	for i, c := range dangerousCapabilities {
		drops[i] = "-" + c
	}
	return []string{"capsh", "--drop=" + strings.Join(drops, ","), "--"}
}

// chrootDirs are the minimal directory tree a chrooted function runtime host
// needs to exec a binary and write to /tmp.
var chrootDirs = []string{"bin", "lib", "lib64", "usr/bin", "usr/lib", "tmp", "dev", "proc"}

// essentialBinaries are copied into the chroot so the runtime host binary
// can still resolve its dynamic loader and a shell.
var essentialBinaries = []string{"/bin/sh"}

// buildChroot creates a minimal filesystem tree under dir and copies the
// runtime host binary and essential binaries into it, returning the
// in-chroot path the runtime host should be exec'd at.
func buildChroot(dir, runtimeHostPath string) (string, error) {
	for _, d := range chrootDirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return "", err
		}
	}

	for _, bin := range essentialBinaries {
		if _, err := os.Stat(bin); err != nil {
			continue
		}
		dest := filepath.Join(dir, strings.TrimPrefix(bin, "/"))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return "", err
		}
		if err := copyFile(bin, dest, 0755); err != nil {
			return "", err
		}
	}

	hostDest := filepath.Join(dir, "tmp", "funchost")
	if err := copyFile(runtimeHostPath, hostDest, 0755); err != nil {
		return "", err
	}
	return "/tmp/funchost", nil
}

// copySourceIntoChroot copies the function source at hostSrcPath into dir's
// /tmp, returning the path the runtime host should see it at once chrooted
// to dir (FUNCTION_PATH is read from inside the jail, so it can't point at
// the host path anymore).
func copySourceIntoChroot(dir, hostSrcPath string) (string, error) {
	name := filepath.Base(hostSrcPath)
	dest := filepath.Join(dir, "tmp", name)
	if err := copyFile(hostSrcPath, dest, 0644); err != nil {
		return "", err
	}
	return filepath.Join("/tmp", name), nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
