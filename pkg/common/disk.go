package common

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Disk image copy helpers. CloneDisk tries the cheapest mechanism first:
// a reflink shares extents on CoW filesystems and completes in constant
// time; a qemu-img overlay keeps the source as a read-only backing file;
// a sparse byte copy always works but pays full I/O.

// CopyFileReflink clones src to dst with FICLONE. Fails fast on
// filesystems without reflink support.
func CopyFileReflink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		os.Remove(dst)
		return fmt.Errorf("reflink not supported: %w", err)
	}

	return nil
}

// CreateOverlay creates a qcow2 overlay backed by src. The source must stay
// immutable for the overlay's lifetime.
func CreateOverlay(src, dst string) error {
	cmd := exec.Command("qemu-img", "create", "-f", "qcow2", "-b", src, "-F", "raw", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("qemu-img overlay failed: %w: %s", err, string(out))
	}
	return nil
}

// CopyFileSparse copies src to dst preserving holes, so a mostly-empty disk
// image does not balloon to its virtual size.
func CopyFileSparse(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer out.Close()

	if err := out.Truncate(info.Size()); err != nil {
		return fmt.Errorf("failed to presize destination: %w", err)
	}

	buf := make([]byte, 1024*1024)
	var offset int64
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			// Skip all-zero blocks; the truncate above already made them holes.
			if !allZero(buf[:n]) {
				if _, err := out.WriteAt(buf[:n], offset); err != nil {
					return fmt.Errorf("failed to write destination: %w", err)
				}
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read source: %w", readErr)
		}
	}

	return nil
}

// CloneDisk copies a disk image with the cheapest available mechanism:
// reflink, then qemu-img overlay, then sparse copy.
func CloneDisk(src, dst string) error {
	if err := CopyFileReflink(src, dst); err == nil {
		return nil
	}

	if err := CreateOverlay(src, dst); err == nil {
		log.Debug().Str("src", src).Str("dst", dst).Msg("disk cloned via overlay")
		return nil
	}

	log.Debug().Str("src", src).Str("dst", dst).Msg("falling back to sparse disk copy")
	return CopyFileSparse(src, dst)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
